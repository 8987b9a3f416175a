// Package httpapi exposes the approval workflow over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"memberfund.org/internal/approval"
	"memberfund.org/internal/auth"
	"memberfund.org/internal/obs"
)

const serviceName = "memberfund-api"

// ReadyProbe runs named dependency checks for /readyz.
type ReadyProbe map[string]func(ctx context.Context) error

// Check runs every probe and joins the failures.
func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp))
	for name := range rp {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := rp[name](ctx); err != nil {
			errs = append(errs, &probeError{name: name, err: err})
		}
	}
	return errors.Join(errs...)
}

type probeError struct {
	name string
	err  error
}

func (e *probeError) Error() string { return e.name + ": " + e.err.Error() }
func (e *probeError) Unwrap() error { return e.err }

// Options wires the API.
type Options struct {
	Service       *approval.Service
	Authenticator *auth.Authenticator
	Ready         ReadyProbe
	Version       string
	// Limiter throttles mutating endpoints. Nil disables rate limiting.
	Limiter        Limiter
	CORSOrigins    []string
	DevDiagnostics bool
}

// API is the HTTP layer.
type API struct {
	svc     *approval.Service
	authn   *auth.Authenticator
	ready   ReadyProbe
	version string
	limiter Limiter
	origins []string
	devDiag bool
	router  chi.Router
}

func New(opts Options) (*API, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: approval service is required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("httpapi: authenticator is required")
	}
	a := &API{
		svc:     opts.Service,
		authn:   opts.Authenticator,
		ready:   opts.Ready,
		version: opts.Version,
		limiter: opts.Limiter,
		origins: opts.CORSOrigins,
		devDiag: opts.DevDiagnostics,
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer(a.devDiag))
	r.Use(obs.Instrument)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         600,
	}))
	r.Use(MaxBodyBytes(1 << 20))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			pub.Use(a.rateLimit("auth"))
			pub.Post("/auth/token", a.issueToken)
		})

		v1.Group(func(pr chi.Router) {
			pr.Use(a.authenticate)

			pr.Route("/entities/{kind}", func(er chi.Router) {
				er.Get("/", a.listEntities)
				er.With(a.rateLimit("submit")).Post("/", a.submitEntity)
				er.Get("/{id}", a.getEntity)
				er.Delete("/{id}", a.deleteEntity)

				er.Group(func(tr chi.Router) {
					tr.Use(a.rateLimit("transition"))
					tr.Post("/{id}/approve", a.approveEntity)
					tr.Post("/{id}/reject", a.rejectEntity)
					tr.Post("/{id}/post", a.retryPosting)
				})
			})

			pr.Get("/ledger/transactions", a.listTransactions)
			pr.Delete("/ledger/transactions/{id}", a.deleteTransaction)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) allowedOrigins() []string {
	if len(a.origins) > 0 {
		return a.origins
	}
	return []string{"http://localhost:*", "http://127.0.0.1:*"}
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
