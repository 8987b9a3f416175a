package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"memberfund.org/internal/auth"
	"memberfund.org/internal/finance"
	"memberfund.org/internal/ledger"
)

var (
	entityCols = []string{"id", "owner_user_id", "created_by", "title", "description", "amount", "status",
		"approved_by", "approved_at", "rejection_reason", "created_at", "updated_at"}
	txCols = []string{"id", "title", "amount", "type", "category", "recorded_by", "related_kind", "related_entity_id", "date", "created_at"}
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestLoadReadsKindTable(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("(?s)select .* from loans where id = \\$1").
		WithArgs("loan-1").
		WillReturnRows(sqlmock.NewRows(entityCols).AddRow(
			"loan-1", "member-1", "member-1", "Roof", "", "50000.00", "PENDING", nil, nil, nil, created, created))

	e, err := s.Load(context.Background(), finance.Ref{Kind: finance.KindLoan, ID: "loan-1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Kind != finance.KindLoan || e.Status != finance.StatusPending || !e.Amount.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("unexpected entity: %+v", e)
	}
	if e.ApprovedAt != nil || e.ApprovedBy != "" {
		t.Fatalf("pending entity carries approval fields: %+v", e)
	}
}

func TestLoadMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from member_dues").WithArgs("x").WillReturnRows(sqlmock.NewRows(entityCols))

	_, err := s.Load(context.Background(), finance.Ref{Kind: finance.KindMemberDue, ID: "x"})
	if !errors.Is(err, finance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	s, _ := newMock(t)
	_, err := s.Load(context.Background(), finance.Ref{Kind: "donation", ID: "x"})
	if !errors.Is(err, finance.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	ref := finance.Ref{Kind: finance.KindPayment, ID: "pay-1"}
	update := regexp.QuoteMeta("update payments") + "(.|\n)*" + regexp.QuoteMeta("where id = $1 and status = $2")

	mock.ExpectExec(update).
		WithArgs("pay-1", "PENDING", "APPROVED", "admin-1", at, nil, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.CompareAndSetStatus(context.Background(), ref, finance.StatusPending, finance.Approval("admin-1", at))
	if err != nil || !ok {
		t.Fatalf("first CAS = %v, %v", ok, err)
	}

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from payments").WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err = s.CompareAndSetStatus(context.Background(), ref, finance.StatusPending, finance.Rejection("late", at))
	if err != nil || ok {
		t.Fatalf("lost CAS = %v, %v", ok, err)
	}

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from payments").WithArgs("pay-1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	if _, err := s.CompareAndSetStatus(context.Background(), ref, finance.StatusPending, finance.Rejection("late", at)); !errors.Is(err, finance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListUnionsTables(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	cols := append([]string{"kind"}, entityCols...)
	mock.ExpectQuery("union all").
		WithArgs("PENDING", "member-1", 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("payment", "01A", "member-1", "member-1", "", "", "10", "PENDING", nil, nil, nil, now, now).
			AddRow("loan", "01B", "member-1", "member-1", "", "", "20", "PENDING", nil, nil, nil, now, now))

	res, err := s.List(context.Background(), finance.Filter{Status: finance.StatusPending, OwnerUserID: "member-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res) != 2 || res[0].Kind != finance.KindPayment || res[1].Kind != finance.KindLoan {
		t.Fatalf("unexpected list: %+v", res)
	}
}

func TestInsertTransactionConflict(t *testing.T) {
	s, mock := newMock(t)
	date := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tx := ledger.Transaction{
		ID: "tx-1", Title: "Payment: dues", Amount: decimal.NewFromInt(5000), Type: ledger.TypeIncome,
		Category: "Payment", RecordedBy: "admin-1", RelatedKind: finance.KindPayment, RelatedEntityID: "pay-1",
		Date: date, CreatedAt: date,
	}
	args := []driver.Value{"tx-1", "Payment: dues", sqlmock.AnyArg(), "INCOME", "Payment", "admin-1", "payment", "pay-1", date, date}

	mock.ExpectQuery("insert into transactions").WithArgs(args...).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("tx-1", "Payment: dues", "5000", "INCOME", "Payment", "admin-1", "payment", "pay-1", date, date))
	saved, err := s.InsertTransaction(context.Background(), tx)
	if err != nil || saved.ID != "tx-1" || saved.Type != ledger.TypeIncome {
		t.Fatalf("insert = %+v, %v", saved, err)
	}

	mock.ExpectQuery("on conflict \\(related_kind, related_entity_id\\) do nothing").WillReturnRows(sqlmock.NewRows(txCols))
	if _, err := s.InsertTransaction(context.Background(), tx); !errors.Is(err, ledger.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	mock.ExpectQuery("insert into transactions").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.InsertTransaction(context.Background(), tx); !errors.Is(err, ledger.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for unique violation, got %v", err)
	}
}

func TestPosterOverStore(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	e := finance.Entity{
		ID: "loan-1", Kind: finance.KindLoan, Title: "Roof", Amount: decimal.NewFromInt(50000),
		Status: finance.StatusApproved, ApprovedBy: "admin-2", ApprovedAt: &at,
	}

	mock.ExpectQuery("from transactions").WithArgs("loan", "loan-1").WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery("insert into transactions").WillReturnRows(sqlmock.NewRows(txCols))
	mock.ExpectQuery("from transactions").WithArgs("loan", "loan-1").
		WillReturnRows(sqlmock.NewRows(txCols).AddRow("tx-0", "Loan Disbursement: Roof", "50000", "EXPENSE", "Loan Disbursement", "admin-2", "loan", "loan-1", at, at))

	tx, err := ledger.NewPoster(s).Post(context.Background(), e)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if tx.ID != "tx-0" || tx.Type != ledger.TypeExpense {
		t.Fatalf("expected the concurrent winner's row, got %+v", tx)
	}
}

func TestListAndDeleteTransactions(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery("where id > \\$1").WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows(txCols).
			AddRow("01A", "a", "1", "INCOME", "Payment", "u", "payment", "p1", at, at).
			AddRow("01B", "b", "2", "EXPENSE", "Loan Disbursement", "u", "loan", "l1", at, at))
	txs, next, err := s.ListTransactions(context.Background(), 2, "")
	if err != nil || len(txs) != 2 || next != "01B" {
		t.Fatalf("ListTransactions = %d, %q, %v", len(txs), next, err)
	}

	mock.ExpectExec("delete from transactions").WithArgs("01A").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.DeleteTransaction(context.Background(), "01A"); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}
	mock.ExpectExec("delete from transactions").WithArgs("01A").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.DeleteTransaction(context.Background(), "01A"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsers(t *testing.T) {
	s, mock := newMock(t)
	created := time.Now().UTC()
	cols := []string{"id", "email", "name", "role", "status", "password_hash", "created_at"}

	mock.ExpectQuery("from users where lower\\(email\\) = lower\\(\\$1\\)").WithArgs("ada@example.org").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "ada@example.org", "Ada", "ADMIN_LEVEL_2", "active", "hash", created))
	u, err := s.FindUserByEmail(context.Background(), " ada@example.org ")
	if err != nil || u.Role != auth.RoleAdminLevel2 || !u.Active() {
		t.Fatalf("FindUserByEmail = %+v, %v", u, err)
	}

	mock.ExpectQuery("from users where id = \\$1").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(cols))
	if _, err := s.FindUser(context.Background(), "ghost"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	mock.ExpectQuery("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.CreateUser(context.Background(), auth.User{Email: "ada@example.org", Role: auth.RoleMember}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := s.CreateUser(context.Background(), auth.User{Email: "x@example.org", Role: "ROOT"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
