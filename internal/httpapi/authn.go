package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"memberfund.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// authenticate resolves the bearer credential into an Identity. Role and
// status come from the user store on every request.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="memberfund"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		id, err := a.authn.ResolveIdentity(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="memberfund", error="invalid_token"`)
			a.writeServiceError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// identity returns the caller attached by authenticate.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}
