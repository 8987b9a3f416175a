// Package finance models the member-submitted financial records that pass
// through the approval workflow.
package finance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies one of the approvable record types.
type Kind string

const (
	KindPayment       Kind = "payment"
	KindLoan          Kind = "loan"
	KindLoanRepayment Kind = "loan_repayment"
	KindMemberDue     Kind = "member_due"
	KindMemberLevy    Kind = "member_levy"
)

// Kinds lists every approvable kind.
var Kinds = []Kind{KindPayment, KindLoan, KindLoanRepayment, KindMemberDue, KindMemberLevy}

// ParseKind accepts the canonical name or its hyphenated/plural route form.
func ParseKind(raw string) (Kind, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	if strings.HasSuffix(s, "ies") {
		s = strings.TrimSuffix(s, "ies") + "y"
	} else {
		s = strings.TrimSuffix(s, "s")
	}
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidKind, raw)
}

// Status is the approval state of a record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	// Loan-only states reached through repayment tracking.
	StatusPaid      Status = "PAID"
	StatusDefaulted Status = "DEFAULTED"
)

// Terminal reports whether no approval transition may leave s.
func (s Status) Terminal() bool { return s != StatusPending }

var (
	ErrNotFound    = errors.New("finance: not found")
	ErrInvalidKind = errors.New("finance: invalid kind")
)

// Entity is the shape shared by payments, loans, loan repayments, dues and levies.
// ApprovedBy/ApprovedAt are set iff Status is APPROVED; RejectionReason iff REJECTED.
type Entity struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	OwnerUserID     string          `json:"owner_user_id"`
	CreatedBy       string          `json:"created_by"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Status          Status          `json:"status"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Ref addresses a single entity.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string { return string(r.Kind) + "/" + r.ID }

// Ref returns the entity's address.
func (e Entity) Ref() Ref { return Ref{Kind: e.Kind, ID: e.ID} }

// Transition is the set of fields written by a PENDING -> terminal move.
type Transition struct {
	To              Status
	ApprovedBy      string
	ApprovedAt      time.Time
	RejectionReason string
	At              time.Time
}

// Approval builds the transition to APPROVED.
func Approval(actorID string, at time.Time) Transition {
	return Transition{To: StatusApproved, ApprovedBy: actorID, ApprovedAt: at, At: at}
}

// Rejection builds the transition to REJECTED.
func Rejection(reason string, at time.Time) Transition {
	return Transition{To: StatusRejected, RejectionReason: reason, At: at}
}

// Apply returns a copy of e with t applied. It does not check legality.
func (e Entity) Apply(t Transition) Entity {
	out := e
	out.Status = t.To
	out.UpdatedAt = t.At
	switch t.To {
	case StatusApproved:
		at := t.ApprovedAt
		out.ApprovedBy = t.ApprovedBy
		out.ApprovedAt = &at
		out.RejectionReason = ""
	case StatusRejected:
		out.ApprovedBy = ""
		out.ApprovedAt = nil
		out.RejectionReason = t.RejectionReason
	}
	return out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind        Kind
	Status      Status
	OwnerUserID string
	Limit       int
}

// NormalizedLimit clamps the page size.
func (f Filter) NormalizedLimit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}
