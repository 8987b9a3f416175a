package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memberfund.org/internal/finance"
	"memberfund.org/internal/ids"
)

// Classification is how a kind lands in the ledger.
type Classification struct {
	Type     Type
	Category string
}

// Classifications maps each kind to its ledger type and category. Loans are
// disbursed out of the fund; everything else is money coming in.
var Classifications = map[finance.Kind]Classification{
	finance.KindPayment:       {Type: TypeIncome, Category: "Payment"},
	finance.KindMemberDue:     {Type: TypeIncome, Category: "Due Payment"},
	finance.KindMemberLevy:    {Type: TypeIncome, Category: "Levy Payment"},
	finance.KindLoanRepayment: {Type: TypeIncome, Category: "Loan Repayment"},
	finance.KindLoan:          {Type: TypeExpense, Category: "Loan Disbursement"},
}

// Poster turns approved entities into ledger transactions exactly once.
type Poster struct {
	store Store
	now   func() time.Time
}

// NewPoster wraps store.
func NewPoster(store Store) *Poster {
	return &Poster{store: store, now: time.Now}
}

// Post records the transaction for an approved entity. Posting the same
// entity twice returns the original transaction.
func (p *Poster) Post(ctx context.Context, e finance.Entity) (Transaction, error) {
	if e.Status != finance.StatusApproved || e.ApprovedAt == nil {
		return Transaction{}, fmt.Errorf("%w: %s is %s", ErrNotApproved, e.Ref(), e.Status)
	}
	class, ok := Classifications[e.Kind]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", finance.ErrInvalidKind, e.Kind)
	}

	existing, err := p.store.FindByEntity(ctx, e.Ref())
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:              ids.New(),
		Title:           titleFor(class, e),
		Amount:          e.Amount,
		Type:            class.Type,
		Category:        class.Category,
		RecordedBy:      e.ApprovedBy,
		RelatedKind:     e.Kind,
		RelatedEntityID: e.ID,
		Date:            *e.ApprovedAt,
		CreatedAt:       p.now().UTC(),
	}
	saved, err := p.store.InsertTransaction(ctx, tx)
	if errors.Is(err, ErrDuplicate) {
		// Lost a concurrent insert; the winner's row is the answer.
		return p.store.FindByEntity(ctx, e.Ref())
	}
	return saved, err
}

func titleFor(class Classification, e finance.Entity) string {
	if t := strings.TrimSpace(e.Title); t != "" {
		return class.Category + ": " + t
	}
	return class.Category + " " + e.ID
}
