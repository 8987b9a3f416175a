package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"memberfund.org/internal/approval"
	"memberfund.org/internal/audit"
	"memberfund.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps err through the approval taxonomy. Transient and
// internal errors carry a fixed message; the cause is logged and only echoed
// as "detail" under dev diagnostics.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := approval.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("route", obs.RoutePattern(r)),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	payload := map[string]any{"error": approval.Message(err)}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if approval.Retryable(err) {
		payload["retryable"] = true
	}
	if a.devDiag {
		payload["detail"] = err.Error()
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseLimit(raw string, def, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > max {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(max))
	}
	return val, nil
}
