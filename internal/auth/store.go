package auth

import (
	"context"
	"time"
)

const (
	UserStatusActive      = "active"
	UserStatusDeactivated = "deactivated"
)

// User is a member or administrator account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Status       string    `json:"status"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Active reports whether the account may act.
func (u User) Active() bool { return u.Status == UserStatusActive }

// UserStore looks up accounts. Implementations return ErrUserNotFound.
type UserStore interface {
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}
