package auth

import "context"

// Identity is the authenticated caller for one request. It is never persisted.
type Identity struct {
	UserID string
	Role   Role
	Active bool
}

// IsZero reports whether the identity carries no user.
func (id Identity) IsZero() bool { return id.UserID == "" }

type identityContextKey struct{}
type tokenContextKey struct{}

// ContextWithIdentity attaches the resolved identity to the context.
// Transport layers use this; services take the Identity as an explicit argument.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity previously attached to ctx.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || v.IsZero() {
		return Identity{}, false
	}
	return v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
