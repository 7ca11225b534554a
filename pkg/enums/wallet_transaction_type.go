package enums

import "fmt"

// WalletTransactionType distinguishes credits from debits in the wallet ledger.
type WalletTransactionType string

const (
	WalletTransactionCredit WalletTransactionType = "credit"
	WalletTransactionDebit  WalletTransactionType = "debit"
)

var validWalletTransactionTypes = []WalletTransactionType{
	WalletTransactionCredit,
	WalletTransactionDebit,
}

// Sign returns +1 for credits and -1 for debits.
func (w WalletTransactionType) Sign() int {
	if w == WalletTransactionDebit {
		return -1
	}
	return 1
}

// IsValid reports whether the value is a known WalletTransactionType.
func (w WalletTransactionType) IsValid() bool {
	for _, candidate := range validWalletTransactionTypes {
		if candidate == w {
			return true
		}
	}
	return false
}

// ParseWalletTransactionType converts raw input into a WalletTransactionType.
func ParseWalletTransactionType(value string) (WalletTransactionType, error) {
	for _, candidate := range validWalletTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet transaction type %q", value)
}
