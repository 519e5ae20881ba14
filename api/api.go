// Package api exposes the gateway's HTTP surface: the signed-request
// forwarding endpoint and the operator session/lock endpoints.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/sessionctl"
	"github.com/pagopa/io-auth-gateway/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	mgr         *sessionctl.Manager
	resolver    *lollipop.LocalsResolver
	consumer    Consumer
	sessions    storage.SessionStore
	operatorKey string
	audit       *auditLogger
	metrics     *metricsCollector
	hashUserID  func(string) string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc enables the PoP-failure spike detector with the given
// callback.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.metrics = newMetricsCollector(fn)
	}
}

// New creates a new API instance. hashUserID pseudonymizes fiscal codes in
// audit output; operatorKey authenticates the privileged endpoints.
func New(mgr *sessionctl.Manager, resolver *lollipop.LocalsResolver, consumer Consumer, sessions storage.SessionStore, operatorKey string, hashUserID func(string) string, opts ...Option) *API {
	a := &API{
		mgr:         mgr,
		resolver:    resolver,
		consumer:    consumer,
		sessions:    sessions,
		operatorKey: operatorKey,
		hashUserID:  hashUserID,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.metrics != nil {
		a.audit.metrics = a.metrics
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.With(a.SessionAuthMiddleware).Post("/first-lollipop/sign", a.FirstLollipopSign)

	// Operator surface.
	r.Route("/sessions/{fiscalCode}", func(r chi.Router) {
		r.Use(a.OperatorAuthMiddleware)
		r.Get("/", a.GetSession)
		r.Get("/state", a.GetSessionState)
		r.Post("/lock", a.LockSession)
		r.Post("/logout", a.Logout)
		r.Delete("/lock", a.UnlockSession)
		r.Post("/lollipop", a.BindKey)
	})
	r.Route("/auth/{fiscalCode}", func(r chi.Router) {
		r.Use(a.OperatorAuthMiddleware)
		r.Post("/lock", a.LockAuthentication)
		r.Post("/release-lock", a.ReleaseAuthenticationLock)
	})

	return r
}
