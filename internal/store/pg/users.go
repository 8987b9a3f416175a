package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"memberfund.org/internal/auth"
	"memberfund.org/internal/ids"
)

// ErrEmailTaken is returned by CreateUser for a duplicate email.
var ErrEmailTaken = errors.New("pg: email already registered")

const userColumns = `id, email, name, role, status, password_hash, created_at`

func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, strings.TrimSpace(email))
}

func (s *Store) findUser(ctx context.Context, query string, arg string) (auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.Name, &role, &u.Status, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}

// CreateUser inserts an account. PasswordHash must already be hashed.
func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if !u.Role.Valid() {
		return auth.User{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, u.Role)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	var role string
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, name, role, status, password_hash)
		values ($1,$2,$3,$4,$5,$6)
		returning `+userColumns,
		u.ID, strings.TrimSpace(u.Email), u.Name, string(u.Role), u.Status, u.PasswordHash,
	).Scan(&u.ID, &u.Email, &u.Name, &role, &u.Status, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, ErrEmailTaken
		}
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}

// SetUserStatus activates or deactivates an account.
func (s *Store) SetUserStatus(ctx context.Context, id, status string) error {
	if status != auth.UserStatusActive && status != auth.UserStatusDeactivated {
		return fmt.Errorf("%w: unknown status %q", auth.ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx, `update users set status = $2 where id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}
