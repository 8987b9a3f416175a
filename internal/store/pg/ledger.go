package pg

import (
	"context"
	"database/sql"
	"errors"

	"memberfund.org/internal/finance"
	"memberfund.org/internal/ledger"
)

const transactionColumns = `id, title, amount, type, category, recorded_by, related_kind, related_entity_id, date, created_at`

// InsertTransaction relies on the (related_kind, related_entity_id) unique
// index; a conflicting insert returns ledger.ErrDuplicate.
func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into transactions (`+transactionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (related_kind, related_entity_id) do nothing
		returning `+transactionColumns,
		tx.ID, tx.Title, tx.Amount, string(tx.Type), tx.Category, tx.RecordedBy,
		string(tx.RelatedKind), tx.RelatedEntityID, tx.Date, tx.CreatedAt)
	saved, err := scanTransaction(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.Transaction{}, ledger.ErrDuplicate
	case err != nil:
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ledger.Transaction{}, ledger.ErrDuplicate
		}
		return ledger.Transaction{}, err
	}
	return saved, nil
}

func (s *Store) FindByEntity(ctx context.Context, ref finance.Ref) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+transactionColumns+`
		from transactions
		where related_kind = $1 and related_entity_id = $2
	`, string(ref.Kind), ref.ID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return tx, err
}

// ListTransactions pages by id; ULIDs order by creation time.
func (s *Store) ListTransactions(ctx context.Context, limit int, after string) ([]ledger.Transaction, string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+transactionColumns+`
		from transactions
		where id > $1
		order by id asc
		limit $2
	`, after, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var (
		res  []ledger.Transaction
		last string
	)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, "", err
		}
		res = append(res, tx)
		last = tx.ID
	}
	return res, last, rows.Err()
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from transactions where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx      ledger.Transaction
		typ     string
		relKind string
	)
	if err := row.Scan(&tx.ID, &tx.Title, &tx.Amount, &typ, &tx.Category, &tx.RecordedBy,
		&relKind, &tx.RelatedEntityID, &tx.Date, &tx.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	tx.Type = ledger.Type(typ)
	tx.RelatedKind = finance.Kind(relKind)
	return tx, nil
}
