package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/greenbasket/greenbasket-backend/pkg/db"
	"github.com/greenbasket/greenbasket-backend/pkg/db/models"
	"github.com/greenbasket/greenbasket-backend/pkg/enums"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/payloads"
	"github.com/greenbasket/greenbasket-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// AdjustmentInput carries one ledger movement against a user's wallet.
type AdjustmentInput struct {
	UserID      uuid.UUID
	AmountCents int
	Reference   string
	Description string
}

// View is the read model returned to the wallet endpoint.
type View struct {
	WalletID     uuid.UUID                  `json:"wallet_id"`
	BalanceCents int                        `json:"balance_cents"`
	Transactions []models.WalletTransaction `json:"transactions"`
	NextCursor   string                     `json:"next_cursor,omitempty"`
}

// Service maintains the wallet invariant: the materialized balance always
// equals the signed sum of the wallet's transactions.
type Service interface {
	Credit(ctx context.Context, tx *gorm.DB, input AdjustmentInput) (*models.WalletTransaction, error)
	Debit(ctx context.Context, tx *gorm.DB, input AdjustmentInput) (*models.WalletTransaction, error)
	Read(ctx context.Context, userID uuid.UUID, params pagination.Params) (*View, error)
	Bootstrap(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
}

// NewService wires a wallet service with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("wallet repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{repo: repo, tx: tx, outbox: outbox}, nil
}

// Credit books a positive ledger line and raises the balance in the caller's
// transaction.
func (s *service) Credit(ctx context.Context, tx *gorm.DB, input AdjustmentInput) (*models.WalletTransaction, error) {
	return s.adjust(ctx, tx, input, enums.WalletTransactionCredit)
}

// Debit books a negative ledger line guarded so the balance never goes below
// zero. RowsAffected == 0 on the guarded update means insufficient funds.
func (s *service) Debit(ctx context.Context, tx *gorm.DB, input AdjustmentInput) (*models.WalletTransaction, error) {
	return s.adjust(ctx, tx, input, enums.WalletTransactionDebit)
}

func (s *service) adjust(ctx context.Context, tx *gorm.DB, input AdjustmentInput, txnType enums.WalletTransactionType) (*models.WalletTransaction, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for wallet adjustment")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if input.Reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference required")
	}

	repo := s.repo.WithTx(tx)
	wallet, err := repo.FindByUserID(ctx, input.UserID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "wallet not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load wallet")
	}

	var res *gorm.DB
	if txnType == enums.WalletTransactionDebit {
		res = tx.WithContext(ctx).Exec(`
			UPDATE wallets
			SET balance_cents = balance_cents - ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND balance_cents >= ?
		`, input.AmountCents, wallet.ID, input.AmountCents)
	} else {
		res = tx.WithContext(ctx).Exec(`
			UPDATE wallets
			SET balance_cents = balance_cents + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, input.AmountCents, wallet.ID)
	}
	if res.Error != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update wallet balance")
	}
	if res.RowsAffected == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "insufficient wallet balance").
			WithDetails(map[string]any{"requested_cents": input.AmountCents, "balance_cents": wallet.BalanceCents})
	}

	txn := &models.WalletTransaction{
		ID:          uuid.New(),
		WalletID:    wallet.ID,
		Type:        txnType,
		AmountCents: input.AmountCents,
		Description: input.Description,
		Reference:   input.Reference,
	}
	if err := repo.CreateTransaction(ctx, txn); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record wallet transaction")
	}

	balance := wallet.BalanceCents
	eventType := enums.EventWalletCredited
	if txnType == enums.WalletTransactionDebit {
		balance -= input.AmountCents
		eventType = enums.EventWalletDebited
	} else {
		balance += input.AmountCents
	}

	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateWallet,
		AggregateID:   wallet.ID,
		Version:       1,
		Actor:         &outbox.ActorRef{UserID: input.UserID},
		Data: payloads.WalletCreditedEvent{
			WalletID:     wallet.ID,
			UserID:       input.UserID,
			AmountCents:  int64(input.AmountCents),
			BalanceCents: int64(balance),
			Reference:    input.Reference,
		},
	}
	if txnType == enums.WalletTransactionDebit {
		event.Data = payloads.WalletDebitedEvent{
			WalletID:     wallet.ID,
			UserID:       input.UserID,
			AmountCents:  int64(input.AmountCents),
			BalanceCents: int64(balance),
			Reference:    input.Reference,
		}
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *service) Read(ctx context.Context, userID uuid.UUID, params pagination.Params) (*View, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	wallet, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "wallet not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load wallet")
	}

	txns, next, err := s.repo.ListTransactions(ctx, wallet.ID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list wallet transactions")
	}

	return &View{
		WalletID:     wallet.ID,
		BalanceCents: wallet.BalanceCents,
		Transactions: txns,
		NextCursor:   next,
	}, nil
}

// Bootstrap creates the zero-balance wallet for a new user. Safe to call more
// than once; the unique user index makes duplicates a no-op.
func (s *service) Bootstrap(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	existing, err := s.repo.FindByUserID(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load wallet")
	}

	wallet := &models.Wallet{ID: uuid.New(), UserID: userID}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).CreateWallet(ctx, wallet)
	})
	if err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_wallets_user_id") {
			return s.repo.FindByUserID(ctx, userID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create wallet")
	}
	return wallet, nil
}
