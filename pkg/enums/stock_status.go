package enums

import "fmt"

// StockStatus classifies a product's remaining stock into availability bands.
type StockStatus string

const (
	StockStatusInStock    StockStatus = "in_stock"
	StockStatusLimited    StockStatus = "limited"
	StockStatusOutOfStock StockStatus = "out_of_stock"
)

// LimitedStockThreshold is the single cutoff between limited and in-stock bands.
const LimitedStockThreshold = 10

var validStockStatuses = []StockStatus{
	StockStatusInStock,
	StockStatusLimited,
	StockStatusOutOfStock,
}

// StockStatusForQty derives the canonical classification from a quantity.
// Every writer of stock_items.status must go through this function.
func StockStatusForQty(qty int) StockStatus {
	switch {
	case qty > LimitedStockThreshold:
		return StockStatusInStock
	case qty > 0:
		return StockStatusLimited
	default:
		return StockStatusOutOfStock
	}
}

// IsValid reports whether the value is a known StockStatus.
func (s StockStatus) IsValid() bool {
	for _, candidate := range validStockStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseStockStatus converts raw input into a StockStatus.
func ParseStockStatus(value string) (StockStatus, error) {
	for _, candidate := range validStockStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid stock status %q", value)
}
