package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"memberfund.org/internal/finance"
)

// Each kind lives in its own table with identical columns.
var entityTables = map[finance.Kind]string{
	finance.KindPayment:       "payments",
	finance.KindLoan:          "loans",
	finance.KindLoanRepayment: "loan_repayments",
	finance.KindMemberDue:     "member_dues",
	finance.KindMemberLevy:    "member_levies",
}

const entityColumns = `id, owner_user_id, created_by, title, description, amount, status,
	approved_by, approved_at, rejection_reason, created_at, updated_at`

func tableFor(kind finance.Kind) (string, error) {
	t, ok := entityTables[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", finance.ErrInvalidKind, kind)
	}
	return t, nil
}

func (s *Store) Create(ctx context.Context, e finance.Entity) error {
	table, err := tableFor(e.Kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (id, owner_user_id, created_by, title, description, amount, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, table), e.ID, e.OwnerUserID, e.CreatedBy, e.Title, e.Description, e.Amount, string(e.Status), e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *Store) Load(ctx context.Context, ref finance.Ref) (finance.Entity, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return finance.Entity{}, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`select %s from %s where id = $1`, entityColumns, table), ref.ID)
	e, err := scanEntity(row, ref.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return finance.Entity{}, finance.ErrNotFound
	}
	return e, err
}

// CompareAndSetStatus is a single conditional update. Zero affected rows means
// either the row is gone or another writer moved it first.
func (s *Store) CompareAndSetStatus(ctx context.Context, ref finance.Ref, expected finance.Status, t finance.Transition) (bool, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		update %s
		set status = $3, approved_by = $4, approved_at = $5, rejection_reason = $6, updated_at = $7
		where id = $1 and status = $2
	`, table), ref.ID, string(expected), string(t.To),
		nullIfEmpty(t.ApprovedBy), nullTime(t.ApprovedAt), nullIfEmpty(t.RejectionReason), t.At)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, s.exists(ctx, table, ref.ID)
}

func (s *Store) DeleteIfStatus(ctx context.Context, ref finance.Ref, expected finance.Status) (bool, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = $1 and status = $2`, table), ref.ID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, s.exists(ctx, table, ref.ID)
}

// List queries one kind's table, or every table when f.Kind is empty.
func (s *Store) List(ctx context.Context, f finance.Filter) ([]finance.Entity, error) {
	kinds := finance.Kinds
	if f.Kind != "" {
		if _, err := tableFor(f.Kind); err != nil {
			return nil, err
		}
		kinds = []finance.Kind{f.Kind}
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OwnerUserID != "" {
		args = append(args, f.OwnerUserID)
		where = append(where, fmt.Sprintf("owner_user_id = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}
	limit := f.NormalizedLimit()
	args = append(args, limit)

	var parts []string
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf(`select '%s' as kind, %s from %s%s`, k, entityColumns, entityTables[k], cond))
	}
	query := "select * from (" + strings.Join(parts, " union all ") + fmt.Sprintf(") e order by id asc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []finance.Entity
	for rows.Next() {
		var kind string
		e, err := scanEntityWith(rows, &kind)
		if err != nil {
			return nil, err
		}
		e.Kind = finance.Kind(kind)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) exists(ctx context.Context, table, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`select 1 from %s where id = $1`, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return finance.ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner, kind finance.Kind) (finance.Entity, error) {
	e, err := scanEntityWith(row)
	e.Kind = kind
	return e, err
}

// scanEntityWith scans prefix columns followed by entityColumns.
func scanEntityWith(row scanner, prefix ...any) (finance.Entity, error) {
	var (
		e          finance.Entity
		status     string
		approvedBy sql.NullString
		approvedAt sql.NullTime
		reason     sql.NullString
	)
	dest := append(prefix,
		&e.ID, &e.OwnerUserID, &e.CreatedBy, &e.Title, &e.Description, &e.Amount, &status,
		&approvedBy, &approvedAt, &reason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return finance.Entity{}, err
	}
	e.Status = finance.Status(status)
	e.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		at := approvedAt.Time.UTC()
		e.ApprovedAt = &at
	}
	e.RejectionReason = reason.String
	return e, nil
}
