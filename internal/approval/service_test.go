package approval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"

	"memberfund.org/internal/auth"
	"memberfund.org/internal/finance"
	"memberfund.org/internal/ledger"
	"memberfund.org/internal/notify"
	"memberfund.org/internal/obs"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func identity(id string, role auth.Role) auth.Identity {
	return auth.Identity{UserID: id, Role: role, Active: true}
}

// countingStore records write attempts on top of the in-memory store.
type countingStore struct {
	*finance.InMemory
	casCalls atomic.Int32
	failCAS  error
}

func (s *countingStore) CompareAndSetStatus(ctx context.Context, ref finance.Ref, expected finance.Status, t finance.Transition) (bool, error) {
	s.casCalls.Add(1)
	if s.failCAS != nil {
		return false, s.failCAS
	}
	return s.InMemory.CompareAndSetStatus(ctx, ref, expected, t)
}

type fixture struct {
	svc      *Service
	entities *countingStore
	book     *ledger.InMemory
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	entities := &countingStore{InMemory: finance.NewInMemory()}
	book := ledger.NewInMemory()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	svc, err := NewService(entities, book, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{svc: svc, entities: entities, book: book}
}

func (f fixture) seed(t *testing.T, kind finance.Kind, id string, amount int64, status finance.Status) finance.Ref {
	t.Helper()
	e := finance.Entity{
		ID:          id,
		Kind:        kind,
		OwnerUserID: "member-1",
		CreatedBy:   "member-1",
		Title:       "March contribution",
		Amount:      decimal.NewFromInt(amount),
		Status:      status,
		CreatedAt:   fixedNow.Add(-time.Hour),
		UpdatedAt:   fixedNow.Add(-time.Hour),
	}
	if err := f.entities.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e.Ref()
}

func TestApprovePaymentPostsIncome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seed(t, finance.KindPayment, "pay-1", 5000, finance.StatusPending)

	out, err := f.svc.Approve(ctx, identity("admin-1", auth.RoleAdminLevel1), ref)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Warning != nil {
		t.Fatalf("unexpected warning: %v", out.Warning)
	}
	if out.Entity.Status != finance.StatusApproved || out.Entity.ApprovedBy != "admin-1" || out.Entity.ApprovedAt == nil {
		t.Fatalf("unexpected entity: %+v", out.Entity)
	}
	if !out.Entity.ApprovedAt.Equal(fixedNow) {
		t.Fatalf("approved_at = %v", out.Entity.ApprovedAt)
	}
	if out.Transaction == nil {
		t.Fatal("expected ledger transaction")
	}
	tx := out.Transaction
	if tx.Type != ledger.TypeIncome || tx.Category != "Payment" || !tx.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.RecordedBy != "admin-1" || tx.RelatedKind != finance.KindPayment || tx.RelatedEntityID != "pay-1" {
		t.Fatalf("unexpected transaction linkage: %+v", tx)
	}

	stored, err := f.entities.Load(ctx, ref)
	if err != nil || stored.Status != finance.StatusApproved {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestApproveLoanRequiresLevelTwo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seed(t, finance.KindLoan, "loan-1", 50000, finance.StatusPending)

	for _, role := range []auth.Role{auth.RoleAdminLevel1, auth.RoleAdmin, auth.RoleMember} {
		_, err := f.svc.Approve(ctx, identity("u-"+string(role), role), ref)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", role, err)
		}
	}
	if n := f.entities.casCalls.Load(); n != 0 {
		t.Fatalf("forbidden attempts wrote %d times", n)
	}
	if stored, _ := f.entities.Load(ctx, ref); stored.Status != finance.StatusPending {
		t.Fatalf("status changed to %s", stored.Status)
	}

	out, err := f.svc.Approve(ctx, identity("admin-2", auth.RoleAdminLevel2), ref)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Transaction == nil || out.Transaction.Type != ledger.TypeExpense || out.Transaction.Category != "Loan Disbursement" {
		t.Fatalf("unexpected transaction: %+v", out.Transaction)
	}
}

func TestSuperAdminApprovesEveryKind(t *testing.T) {
	f := newFixture(t)
	for i, kind := range finance.Kinds {
		ref := f.seed(t, kind, "e"+string(rune('a'+i)), 100, finance.StatusPending)
		if _, err := f.svc.Approve(context.Background(), identity("root", auth.RoleSuperAdmin), ref); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
	}
}

func TestInactiveActorForbidden(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, finance.KindPayment, "pay-1", 100, finance.StatusPending)
	actor := auth.Identity{UserID: "root", Role: auth.RoleSuperAdmin}
	if _, err := f.svc.Approve(context.Background(), actor, ref); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestApproveMissingEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Approve(context.Background(), identity("root", auth.RoleSuperAdmin), finance.Ref{Kind: finance.KindPayment, ID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalEntitiesAreImmutable(t *testing.T) {
	for _, status := range []finance.Status{finance.StatusApproved, finance.StatusRejected, finance.StatusPaid, finance.StatusDefaulted} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			ref := f.seed(t, finance.KindPayment, "pay-1", 100, status)
			admin := identity("root", auth.RoleSuperAdmin)

			if _, err := f.svc.Approve(context.Background(), admin, ref); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("approve: expected ErrInvalidTransition, got %v", err)
			}
			if _, err := f.svc.Reject(context.Background(), admin, ref, "late"); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("reject: expected ErrInvalidTransition, got %v", err)
			}
			if n := f.entities.casCalls.Load(); n != 0 {
				t.Fatalf("terminal entity saw %d writes", n)
			}
			if txs, _, _ := f.book.ListTransactions(context.Background(), 10, ""); len(txs) != 0 {
				t.Fatalf("unexpected transactions: %+v", txs)
			}
		})
	}
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, finance.KindMemberDue, "due-1", 200, finance.StatusPending)
	for _, reason := range []string{"", "   \t"} {
		_, err := f.svc.Reject(context.Background(), identity("admin-1", auth.RoleAdminLevel1), ref, reason)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("reason %q: expected ErrInvalidArgument, got %v", reason, err)
		}
	}
	if stored, _ := f.entities.Load(context.Background(), ref); stored.Status != finance.StatusPending {
		t.Fatalf("status changed to %s", stored.Status)
	}
}

func TestRejectNeverPosts(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, finance.KindMemberLevy, "levy-1", 300, finance.StatusPending)

	out, err := f.svc.Reject(context.Background(), identity("admin-1", auth.RoleAdmin), ref, "  duplicate submission ")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if out.Entity.Status != finance.StatusRejected || out.Entity.RejectionReason != "duplicate submission" {
		t.Fatalf("unexpected entity: %+v", out.Entity)
	}
	if out.Entity.ApprovedBy != "" || out.Entity.ApprovedAt != nil || out.Transaction != nil {
		t.Fatalf("rejection carried approval fields: %+v", out)
	}
	if _, err := f.book.FindByEntity(context.Background(), ref); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected no ledger entry, got %v", err)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, finance.KindPayment, "pay-1", 5000, finance.StatusPending)

	const workers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  atomic.Int32
		transition atomic.Int32
		other      []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			actor := identity("admin-"+string(rune('a'+i)), auth.RoleAdminLevel1)
			_, err := f.svc.Approve(context.Background(), actor, ref)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				transition.Add(1)
			default:
				mu.Lock()
				other = append(other, err)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if successes.Load() != 1 || transition.Load() != workers-1 {
		t.Fatalf("successes=%d invalid=%d", successes.Load(), transition.Load())
	}
	txs, _, err := f.book.ListTransactions(context.Background(), 100, "")
	if err != nil || len(txs) != 1 {
		t.Fatalf("expected one transaction, got %d (%v)", len(txs), err)
	}
}

func TestConcurrentApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, finance.KindLoanRepayment, "rep-1", 700, finance.StatusPending)
	admin := identity("root", auth.RoleSuperAdmin)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = f.svc.Approve(context.Background(), admin, ref) }()
	go func() { defer wg.Done(); _, errs[1] = f.svc.Reject(context.Background(), admin, ref, "mismatch") }()
	wg.Wait()

	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("expected exactly one winner: approve=%v reject=%v", errs[0], errs[1])
	}
	stored, _ := f.entities.Load(context.Background(), ref)
	_, lerr := f.book.FindByEntity(context.Background(), ref)
	if stored.Status == finance.StatusApproved && lerr != nil {
		t.Fatalf("approved without ledger entry: %v", lerr)
	}
	if stored.Status == finance.StatusRejected && lerr == nil {
		t.Fatal("rejected entity has a ledger entry")
	}
}

func TestLedgerFailureIsWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	failing := posterFunc(func(context.Context, finance.Entity) (ledger.Transaction, error) {
		return ledger.Transaction{}, errors.New("ledger offline")
	})
	f := newFixture(t, WithPoster(failing), WithLogger(zap.New(core)))
	ref := f.seed(t, finance.KindPayment, "pay-1", 5000, finance.StatusPending)

	out, err := f.svc.Approve(context.Background(), identity("admin-1", auth.RoleAdminLevel1), ref)
	if err != nil {
		t.Fatalf("approval must commit, got %v", err)
	}
	if !errors.Is(out.Warning, ErrLedgerPosting) || !Retryable(out.Warning) {
		t.Fatalf("expected ledger warning, got %v", out.Warning)
	}
	if out.Transaction != nil {
		t.Fatal("no transaction expected")
	}
	if stored, _ := f.entities.Load(context.Background(), ref); stored.Status != finance.StatusApproved {
		t.Fatalf("approval rolled back: %s", stored.Status)
	}
	if logs.FilterMessage("ledger posting failed after approval").Len() != 1 {
		t.Fatalf("expected a warning log, got %v", logs.All())
	}
}

func TestRetryPostingRepairsMissingEntry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	book := ledger.NewInMemory()
	direct := ledger.NewPoster(book)
	flaky := posterFunc(func(ctx context.Context, e finance.Entity) (ledger.Transaction, error) {
		if fail.Load() {
			return ledger.Transaction{}, errors.New("timeout")
		}
		return direct.Post(ctx, e)
	})
	entities := &countingStore{InMemory: finance.NewInMemory()}
	svc, err := NewService(entities, book, WithPoster(flaky))
	if err != nil {
		t.Fatal(err)
	}
	f := fixture{svc: svc, entities: entities, book: book}
	ref := f.seed(t, finance.KindMemberDue, "due-1", 1200, finance.StatusPending)
	admin := identity("admin-1", auth.RoleAdminLevel1)

	out, err := svc.Approve(context.Background(), admin, ref)
	if err != nil || out.Warning == nil {
		t.Fatalf("expected committed approval with warning, got %v / %v", err, out.Warning)
	}

	fail.Store(false)
	first, err := svc.RetryPosting(context.Background(), admin, ref)
	if err != nil || first.Transaction == nil {
		t.Fatalf("RetryPosting: %v", err)
	}
	second, err := svc.RetryPosting(context.Background(), admin, ref)
	if err != nil || second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("retry is not idempotent: %v", err)
	}
	if first.Transaction.Category != "Due Payment" {
		t.Fatalf("category = %q", first.Transaction.Category)
	}
}

func TestRetryPostingTransientFailureIsUnavailable(t *testing.T) {
	entities := &countingStore{InMemory: finance.NewInMemory()}
	timeout := posterFunc(func(context.Context, finance.Entity) (ledger.Transaction, error) {
		return ledger.Transaction{}, context.DeadlineExceeded
	})
	svc, err := NewService(entities, ledger.NewInMemory(), WithPoster(timeout))
	if err != nil {
		t.Fatal(err)
	}
	f := fixture{svc: svc, entities: entities}
	ref := f.seed(t, finance.KindPayment, "pay-1", 10, finance.StatusApproved)

	_, err = svc.RetryPosting(context.Background(), identity("root", auth.RoleSuperAdmin), ref)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrUnavailable wrapping the cause, got %v", err)
	}
	if HTTPStatus(err) != http.StatusServiceUnavailable || !Retryable(err) {
		t.Fatalf("status = %d retryable = %v", HTTPStatus(err), Retryable(err))
	}
}

func TestRetryPostingRequiresApproved(t *testing.T) {
	f := newFixture(t)
	ref := f.seed(t, finance.KindPayment, "pay-1", 10, finance.StatusPending)
	_, err := f.svc.RetryPosting(context.Background(), identity("root", auth.RoleSuperAdmin), ref)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNotificationFailureIgnored(t *testing.T) {
	var got []notify.Message
	var mu sync.Mutex
	n := notify.Func(func(_ context.Context, msg notify.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return errors.New("broker down")
	})
	f := newFixture(t, WithNotifier(n), WithLogger(zap.NewNop()))
	ref := f.seed(t, finance.KindPayment, "pay-1", 5000, finance.StatusPending)

	if _, err := f.svc.Approve(context.Background(), identity("admin-1", auth.RoleAdminLevel1), ref); err != nil {
		t.Fatalf("notification failure leaked: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Event != notify.EventApproved || got[0].UserID != "member-1" {
		t.Fatalf("unexpected notifications: %+v", got)
	}
	if got[0].Payload["amount"] != "5000" {
		t.Fatalf("payload = %+v", got[0].Payload)
	}
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.entities.failCAS = errors.New("connection reset")
	ref := f.seed(t, finance.KindPayment, "pay-1", 10, finance.StatusPending)

	_, err := f.svc.Approve(context.Background(), identity("root", auth.RoleSuperAdmin), ref)
	if !errors.Is(err, ErrUnavailable) || !Retryable(err) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if HTTPStatus(err) != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", HTTPStatus(err))
	}
}

func TestSubmit(t *testing.T) {
	users := auth.NewMemoryUsers(
		auth.User{ID: "member-1", Role: auth.RoleMember, Status: auth.UserStatusActive},
		auth.User{ID: "member-2", Role: auth.RoleMember, Status: auth.UserStatusDeactivated},
	)
	f := newFixture(t, WithUserDirectory(users))
	ctx := context.Background()
	member := identity("member-1", auth.RoleMember)

	e, err := f.svc.Submit(ctx, member, SubmitRequest{Kind: finance.KindLoan, Title: " Roof repair ", Amount: decimal.RequireFromString("1500.50")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if e.Status != finance.StatusPending || e.OwnerUserID != "member-1" || e.CreatedBy != "member-1" || e.Title != "Roof repair" || e.ID == "" {
		t.Fatalf("unexpected entity: %+v", e)
	}
	if _, err := f.entities.Load(ctx, e.Ref()); err != nil {
		t.Fatalf("not persisted: %v", err)
	}

	if _, err := f.svc.Submit(ctx, member, SubmitRequest{Kind: finance.KindPayment, Amount: decimal.Zero}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero amount: %v", err)
	}
	for _, raw := range []string{"0.004", "10.005", "-3", "10000000000000000"} {
		if _, err := f.svc.Submit(ctx, member, SubmitRequest{Kind: finance.KindPayment, Amount: decimal.RequireFromString(raw)}); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("amount %s: %v", raw, err)
		}
	}
	if e, err := f.svc.Submit(ctx, member, SubmitRequest{Kind: finance.KindPayment, Amount: decimal.RequireFromString("10.500")}); err != nil || !e.Amount.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("amount with trailing zero: %+v, %v", e, err)
	}
	if _, err := f.svc.Submit(ctx, member, SubmitRequest{Kind: "donation", Amount: decimal.NewFromInt(1)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bad kind: %v", err)
	}
	if _, err := f.svc.Submit(ctx, member, SubmitRequest{Kind: finance.KindPayment, OwnerUserID: "member-3", Amount: decimal.NewFromInt(1)}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member on behalf: %v", err)
	}

	admin := identity("admin-1", auth.RoleAdminLevel1)
	onBehalf, err := f.svc.Submit(ctx, admin, SubmitRequest{Kind: finance.KindMemberDue, OwnerUserID: "member-1", Amount: decimal.NewFromInt(20)})
	if err != nil || onBehalf.OwnerUserID != "member-1" || onBehalf.CreatedBy != "admin-1" {
		t.Fatalf("on behalf: %+v, %v", onBehalf, err)
	}
	if _, err := f.svc.Submit(ctx, admin, SubmitRequest{Kind: finance.KindMemberDue, OwnerUserID: "member-2", Amount: decimal.NewFromInt(20)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("deactivated owner: %v", err)
	}
	if _, err := f.svc.Submit(ctx, admin, SubmitRequest{Kind: finance.KindMemberDue, OwnerUserID: "ghost", Amount: decimal.NewFromInt(20)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown owner: %v", err)
	}
}

func TestListScopesMembersToOwnRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, finance.KindPayment, "pay-1", 10, finance.StatusPending)
	other := finance.Entity{ID: "pay-2", Kind: finance.KindPayment, OwnerUserID: "member-9", Status: finance.StatusPending, Amount: decimal.NewFromInt(5)}
	if err := f.entities.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	mine, err := f.svc.List(ctx, identity("member-1", auth.RoleMember), finance.Filter{})
	if err != nil || len(mine) != 1 || mine[0].ID != "pay-1" {
		t.Fatalf("member list = %+v, %v", mine, err)
	}
	if _, err := f.svc.List(ctx, identity("member-1", auth.RoleMember), finance.Filter{OwnerUserID: "member-9"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	all, err := f.svc.List(ctx, identity("admin-1", auth.RoleAdminLevel1), finance.Filter{Kind: finance.KindPayment})
	if err != nil || len(all) != 2 {
		t.Fatalf("admin list = %+v, %v", all, err)
	}

	if _, err := f.svc.Get(ctx, identity("member-1", auth.RoleMember), other.Ref()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("member read other: %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := identity("member-1", auth.RoleMember)
	admin := identity("admin-1", auth.RoleAdminLevel1)

	pending := f.seed(t, finance.KindPayment, "pay-1", 10, finance.StatusPending)
	if err := f.svc.Delete(ctx, member, pending); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := f.entities.Load(ctx, pending); !errors.Is(err, finance.ErrNotFound) {
		t.Fatalf("entity still present: %v", err)
	}

	rejected := f.seed(t, finance.KindPayment, "pay-2", 10, finance.StatusRejected)
	if err := f.svc.Delete(ctx, member, rejected); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner delete of terminal: %v", err)
	}
	if err := f.svc.Delete(ctx, admin, rejected); err != nil {
		t.Fatalf("admin delete: %v", err)
	}

	approved := f.seed(t, finance.KindPayment, "pay-3", 10, finance.StatusPending)
	if _, err := f.svc.Approve(ctx, admin, approved); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, admin, approved); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for referenced entity, got %v", err)
	}

	// An APPROVED entity stays undeletable with no ledger entry, so a
	// concurrent RetryPosting can never leave a dangling transaction.
	unposted := f.seed(t, finance.KindPayment, "pay-4", 10, finance.StatusApproved)
	root := identity("root", auth.RoleSuperAdmin)
	if err := f.svc.Delete(ctx, root, unposted); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for approved entity, got %v", err)
	}
	if _, err := f.svc.RetryPosting(ctx, root, unposted); err != nil {
		t.Fatalf("RetryPosting: %v", err)
	}
	if _, err := f.entities.Load(ctx, unposted); err != nil {
		t.Fatalf("approved entity removed: %v", err)
	}
}

func TestLedgerAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.seed(t, finance.KindPayment, "pay-1", 10, finance.StatusPending)
	out, err := f.svc.Approve(ctx, identity("root", auth.RoleSuperAdmin), ref)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.svc.Transactions(ctx, identity("member-1", auth.RoleMember), 10, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member ledger read: %v", err)
	}
	txs, _, err := f.svc.Transactions(ctx, identity("admin-1", auth.RoleAdminLevel1), 10, "")
	if err != nil || len(txs) != 1 {
		t.Fatalf("Transactions = %+v, %v", txs, err)
	}

	if err := f.svc.DeleteTransaction(ctx, identity("admin-2", auth.RoleAdminLevel2), out.Transaction.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level 2 override: %v", err)
	}
	if err := f.svc.DeleteTransaction(ctx, identity("root", auth.RoleSuperAdmin), out.Transaction.ID); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}
	if err := f.svc.DeleteTransaction(ctx, identity("root", auth.RoleSuperAdmin), out.Transaction.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if stored, _ := f.entities.Load(ctx, ref); stored.Status != finance.StatusApproved {
		t.Fatalf("entity status changed to %s", stored.Status)
	}
}

type stubResolver map[string]auth.Identity

func (r stubResolver) ResolveIdentity(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := r[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

func TestCredentialOperations(t *testing.T) {
	resolver := stubResolver{
		"tok-admin":  identity("admin-1", auth.RoleAdminLevel1),
		"tok-member": identity("member-1", auth.RoleMember),
	}
	f := newFixture(t, WithResolver(resolver))
	ctx := context.Background()
	ref := f.seed(t, finance.KindPayment, "pay-1", 5000, finance.StatusPending)

	if _, err := f.svc.ApproveEntity(ctx, ref.Kind, ref.ID, "bogus"); HTTPStatus(err) != http.StatusUnauthorized {
		t.Fatalf("bogus credential: %v", err)
	}
	if _, err := f.svc.ApproveEntity(ctx, ref.Kind, ref.ID, "tok-member"); HTTPStatus(err) != http.StatusForbidden {
		t.Fatalf("member credential: %v", err)
	}
	if _, err := f.svc.ApproveEntity(ctx, ref.Kind, ref.ID, "tok-admin"); err != nil {
		t.Fatalf("admin credential: %v", err)
	}
	if _, err := f.svc.RejectEntity(ctx, ref.Kind, ref.ID, "too late", "tok-admin"); HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("reject after approve: %v", err)
	}
}

func TestNewServiceRejectsBadPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.Approve[finance.KindLoan] = auth.AdminRoles()
	if _, err := NewService(finance.NewInMemory(), ledger.NewInMemory(), WithPolicy(p)); err == nil {
		t.Fatal("expected loan gating violation")
	}

	p = DefaultPolicy()
	delete(p.Approve, finance.KindMemberLevy)
	if err := p.Validate(); err == nil {
		t.Fatal("expected missing kind error")
	}
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy: %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   codes.Code
	}{
		{nil, http.StatusOK, codes.OK},
		{auth.ErrAccountDeactivated, http.StatusUnauthorized, codes.Unauthenticated},
		{ErrForbidden, http.StatusForbidden, codes.PermissionDenied},
		{ErrNotFound, http.StatusNotFound, codes.NotFound},
		{ErrInvalidArgument, http.StatusBadRequest, codes.InvalidArgument},
		{ErrInvalidTransition, http.StatusConflict, codes.FailedPrecondition},
		{ErrConflict, http.StatusConflict, codes.Aborted},
		{unavailable("load", errors.New("io")), http.StatusServiceUnavailable, codes.Unavailable},
		{fmt.Errorf("%w: resolve identity: %w", auth.ErrUnavailable, errors.New("io")), http.StatusServiceUnavailable, codes.Unavailable},
		{errors.New("boom"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.status)
		}
		if got := GRPCCode(tc.err); got != tc.code {
			t.Errorf("GRPCCode(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}
	if msg := GRPCStatus(errors.New("secret dsn")).Message(); msg != "internal error" {
		t.Fatalf("internal message leaked: %q", msg)
	}
	if msg := Message(unavailable("load", errors.New("host=10.0.3.7"))); msg != "service temporarily unavailable" {
		t.Fatalf("unavailable message leaked: %q", msg)
	}
	if msg := Message(fmt.Errorf("%w: rejection reason is required", ErrInvalidArgument)); !strings.Contains(msg, "rejection reason") {
		t.Fatalf("argument message masked: %q", msg)
	}
}

type posterFunc func(ctx context.Context, e finance.Entity) (ledger.Transaction, error)

func (f posterFunc) Post(ctx context.Context, e finance.Entity) (ledger.Transaction, error) {
	return f(ctx, e)
}
