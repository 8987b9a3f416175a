package approval

import (
	"fmt"

	"memberfund.org/internal/auth"
	"memberfund.org/internal/finance"
)

// Policy holds the role requirements injected into the service.
type Policy struct {
	// Approve is the required-role set per kind for approve, reject and
	// ledger re-posting.
	Approve map[finance.Kind]auth.RoleSet
	// OnBehalf may submit entities owned by another member.
	OnBehalf auth.RoleSet
	// Manage may list every member's entities, read the ledger and delete
	// unreferenced entities.
	Manage auth.RoleSet
	// LedgerOverride may delete ledger transactions.
	LedgerOverride auth.RoleSet
}

// DefaultPolicy gates loans one tier above every other kind.
func DefaultPolicy() Policy {
	return Policy{
		Approve: map[finance.Kind]auth.RoleSet{
			finance.KindPayment:       auth.AdminRoles(),
			finance.KindMemberDue:     auth.AdminRoles(),
			finance.KindMemberLevy:    auth.AdminRoles(),
			finance.KindLoanRepayment: auth.AdminRoles(),
			finance.KindLoan:          auth.NewRoleSet(auth.RoleAdminLevel2, auth.RoleSuperAdmin),
		},
		OnBehalf:       auth.AdminRoles(),
		Manage:         auth.AdminRoles(),
		LedgerOverride: auth.NewRoleSet(auth.RoleSuperAdmin),
	}
}

// Validate checks that every kind is gated and that loan approval admits
// strictly fewer caller roles than payment approval.
func (p Policy) Validate() error {
	for _, k := range finance.Kinds {
		if len(p.Approve[k]) == 0 {
			return fmt.Errorf("approval policy: no roles configured for %s", k)
		}
	}
	if len(p.OnBehalf) == 0 || len(p.Manage) == 0 || len(p.LedgerOverride) == 0 {
		return fmt.Errorf("approval policy: on-behalf, manage and ledger-override roles are required")
	}
	loan := admitted(p.Approve[finance.KindLoan])
	payment := admitted(p.Approve[finance.KindPayment])
	if !loan.SubsetOf(payment) || len(loan) >= len(payment) {
		return fmt.Errorf("approval policy: loan approval must be strictly narrower than payment approval (loan=%v payment=%v)",
			loan.Slice(), payment.Slice())
	}
	return nil
}

// RequiredFor returns the approval requirement for kind.
func (p Policy) RequiredFor(kind finance.Kind) (auth.RoleSet, bool) {
	set, ok := p.Approve[kind]
	return set, ok && len(set) > 0
}

// admitted lists the caller roles that satisfy required.
func admitted(required auth.RoleSet) auth.RoleSet {
	out := auth.NewRoleSet()
	for _, r := range auth.Roles {
		if auth.HasPermission(r, required) {
			out[r] = struct{}{}
		}
	}
	return out
}
