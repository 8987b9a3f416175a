package httpapi

import (
	"errors"
	"net/http"
	"time"

	"memberfund.org/internal/audit"
	"memberfund.org/internal/auth"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      auth.Role `json:"role"`
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, exp, id, err := a.authn.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), id, "auth.token.issued", map[string]any{
		"expires_at": exp.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: exp,
		UserID:    id.UserID,
		Role:      id.Role,
	})
}
