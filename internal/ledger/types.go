package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"memberfund.org/internal/finance"
)

// Type classifies the money movement of a Transaction.
type Type string

const (
	TypeIncome  Type = "INCOME"
	TypeExpense Type = "EXPENSE"
	TypeCredit  Type = "CREDIT"
	TypeDebit   Type = "DEBIT"
)

// Transaction is an immutable ledger entry created when a record is approved.
type Transaction struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Amount          decimal.Decimal `json:"amount"`
	Type            Type            `json:"type"`
	Category        string          `json:"category"`
	RecordedBy      string          `json:"recorded_by"`
	RelatedKind     finance.Kind    `json:"related_kind,omitempty"`
	RelatedEntityID string          `json:"related_entity_id,omitempty"`
	Date            time.Time       `json:"date"`
	CreatedAt       time.Time       `json:"created_at"`
}

var (
	ErrNotFound    = errors.New("ledger: not found")
	ErrDuplicate   = errors.New("ledger: transaction already posted for entity")
	ErrNotApproved = errors.New("ledger: entity is not approved")
)

// Store persists ledger entries. InsertTransaction must enforce uniqueness of
// (RelatedKind, RelatedEntityID) and report violations as ErrDuplicate.
type Store interface {
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	FindByEntity(ctx context.Context, ref finance.Ref) (Transaction, error)
	ListTransactions(ctx context.Context, limit int, after string) ([]Transaction, string, error)
	DeleteTransaction(ctx context.Context, id string) error
}
