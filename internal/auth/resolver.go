package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Authenticator resolves opaque bearer credentials into identities.
type Authenticator struct {
	tokens *TokenIssuer
	users  UserStore
}

// NewAuthenticator wires token verification to the user store.
func NewAuthenticator(tokens *TokenIssuer, users UserStore) (*Authenticator, error) {
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	return &Authenticator{tokens: tokens, users: users}, nil
}

// ResolveIdentity verifies credential and loads the current role and status of
// its subject. Deactivated accounts fail with ErrAccountDeactivated.
func (a *Authenticator) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	claims, err := a.tokens.Parse(credential)
	if err != nil {
		return Identity{}, err
	}
	user, err := a.users.FindUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("%w: resolve identity: %w", ErrUnavailable, err)
	}
	return identityFor(user)
}

// Login checks an email/password pair and issues a bearer token.
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, time.Time, Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", time.Time{}, Identity{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	user, err := a.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", time.Time{}, Identity{}, ErrInvalidCredentials
		}
		return "", time.Time{}, Identity{}, fmt.Errorf("%w: login: %w", ErrUnavailable, err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return "", time.Time{}, Identity{}, err
	}
	id, err := identityFor(user)
	if err != nil {
		return "", time.Time{}, Identity{}, err
	}
	token, exp, err := a.tokens.Issue(user.ID, user.Role)
	if err != nil {
		return "", time.Time{}, Identity{}, err
	}
	return token, exp, id, nil
}

func identityFor(user User) (Identity, error) {
	if !user.Active() {
		return Identity{}, ErrAccountDeactivated
	}
	return Identity{UserID: user.ID, Role: user.Role, Active: true}, nil
}

// MemoryUsers is a map-backed UserStore used by tests and the in-memory server mode.
type MemoryUsers struct {
	byID map[string]User
}

// NewMemoryUsers indexes the given users by id.
func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{byID: make(map[string]User, len(users))}
	for _, u := range users {
		m.byID[u.ID] = u
	}
	return m
}

func (m *MemoryUsers) FindUser(_ context.Context, id string) (User, error) {
	u, ok := m.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (m *MemoryUsers) FindUserByEmail(_ context.Context, email string) (User, error) {
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}
