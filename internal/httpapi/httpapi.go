// Package httpapi exposes the pipeline engine's inbound HTTP boundary:
// manifest submission, request/scan reads, and the human approval,
// rejection and force-publish endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/metrics"
	"github.com/theboyknowsclass/secure-package-manager/internal/registry"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
	"github.com/theboyknowsclass/secure-package-manager/internal/supervisor"
	"github.com/theboyknowsclass/secure-package-manager/internal/system"
	"github.com/theboyknowsclass/secure-package-manager/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the full middleware-wrapped handler: auth sees real
// requests first, CORS short-circuits preflight before auth runs, and
// metrics wraps the outermost layer so every response is measured. tokens
// maps a bearer token to the pkgmgr.User it authenticates as.
func NewService(addr string, h *Handler, tokens map[string]pkgmgr.User, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	handler := h.Router()
	handler = wrapWithAuth(handler, tokens, log)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)
	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from a dashboard and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

// wrapWithAuth resolves a bearer token against the configured token table
// and attaches the resolved pkgmgr.User to the request context, so handlers
// downstream can gate on its Role. An empty table disables auth entirely
// (used in local/dev runs) by attaching an admin principal so every route
// stays reachable.
func wrapWithAuth(next http.Handler, tokens map[string]pkgmgr.User, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(tokens) == 0 {
			user := pkgmgr.User{ID: "anonymous", Role: "admin"}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, user)))
			return
		}
		token := bearerToken(r)
		user, ok := tokens[token]
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, user)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// userFrom returns the authenticated pkgmgr.User attached by wrapWithAuth.
func userFrom(r *http.Request) pkgmgr.User {
	if u, ok := r.Context().Value(principalKey{}).(pkgmgr.User); ok {
		return u
	}
	return pkgmgr.User{ID: "anonymous"}
}

// principalFrom returns the authenticated principal's ID, the identity
// recorded against AuditLog.PrincipalID and Request.SubmittedBy.
func principalFrom(r *http.Request) string {
	return userFrom(r).ID
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// resourceSampler is satisfied by *supervisor.Supervisor; narrowed so the
// health handler can be exercised with a stub in tests.
type resourceSampler interface {
	LastSample() supervisor.ResourceSample
}

// Handler wires the pipeline's stores and the publisher into the route
// table; Router builds the gorilla/mux tree described in the engine's
// external interface contract.
type Handler struct {
	Store      store.Store
	Publisher  *registry.Publisher
	Supervisor resourceSampler
	Log        *logger.Logger
}

func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/manifests", h.handleCreateManifest).Methods(http.MethodPost)
	r.HandleFunc("/requests/{id}", h.handleGetRequest).Methods(http.MethodGet)
	r.HandleFunc("/packages/{id}/scan", h.handleGetScan).Methods(http.MethodGet)
	r.HandleFunc("/packages/{id}/scans", h.handleListScans).Methods(http.MethodGet)
	r.HandleFunc("/approvals/batch", h.handleApprovalsBatch).Methods(http.MethodPost)
	r.HandleFunc("/rejections/batch", h.handleRejectionsBatch).Methods(http.MethodPost)
	r.HandleFunc("/publish/{package_id}", h.handleForcePublish).Methods(http.MethodPost)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)
	return r
}
