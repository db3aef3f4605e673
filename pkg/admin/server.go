// Package admin exposes the management API on its own listener: maintenance
// stats and controls, service accounts, and version info. Endpoints are
// protected with OIDC Bearer auth when configured.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orbitfs/orbitfs/pkg/admin/oidc"
	"github.com/orbitfs/orbitfs/pkg/heal"
	"github.com/orbitfs/orbitfs/pkg/iam"
	"github.com/orbitfs/orbitfs/pkg/notify"
	"github.com/orbitfs/orbitfs/pkg/replication"
	"github.com/orbitfs/orbitfs/pkg/scan"
)

// Subsystems collects the handles the admin API operates on. Nil fields are
// served as "not configured".
type Subsystems struct {
	Scanner     *scan.Scanner
	Healer      *heal.Manager
	Replication *replication.Pool
	Notify      *notify.System
	Identity    *iam.System
}

// Options configures the admin server.
type Options struct {
	Addr     string
	Version  string
	Verifier oidc.TokenVerifier // nil disables auth
	Policy   oidc.Policy
}

// Server is the admin HTTP server.
type Server struct {
	opts Options
	subs Subsystems
	log  *slog.Logger
	mux  *chi.Mux
	srv  *http.Server
	ln   net.Listener
}

// New builds the admin server and its routes.
func New(opts Options, subs Subsystems, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{opts: opts, subs: subs, log: log, mux: chi.NewRouter()}
	s.routes()
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("admin: bind %q: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serr := s.srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Error("admin: serve", slog.String("error", serr.Error()))
		}
	}()
	s.log.Info("admin: listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.Route("/admin", func(r chi.Router) {
		if s.opts.Verifier != nil {
			r.Use(oidc.Middleware(s.opts.Verifier))
			policy := s.opts.Policy
			if policy == nil {
				policy = oidc.DefaultPolicy()
			}
			r.Use(oidc.RBAC(policy))
		}
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)

		r.Get("/scan/stats", s.handleScanStats)
		r.Post("/scan/runonce", s.handleScanRunOnce)

		r.Get("/heal/stats", s.handleHealStats)
		r.Post("/heal/enqueue", s.handleHealEnqueue)
		r.Post("/heal/pause", s.handleHealPause)
		r.Post("/heal/resume", s.handleHealResume)

		r.Get("/replication/stats", s.handleReplicationStats)
		r.Get("/notify/stats", s.handleNotifyStats)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleCreateAccount)
		r.Delete("/accounts/{accessKey}", s.handleDeleteAccount)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "orbitfs",
		"version": s.opts.Version,
	})
}

func (s *Server) handleScanStats(w http.ResponseWriter, r *http.Request) {
	if s.subs.Scanner == nil {
		writeJSON(w, http.StatusOK, scan.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Scanner.Stats())
}

func (s *Server) handleScanRunOnce(w http.ResponseWriter, r *http.Request) {
	if s.subs.Scanner == nil {
		http.Error(w, "scanner not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.subs.Scanner.RunOnce(r.Context()); err != nil {
		http.Error(w, "scan run failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Scanner.Stats())
}

func (s *Server) handleHealStats(w http.ResponseWriter, r *http.Request) {
	if s.subs.Healer == nil {
		writeJSON(w, http.StatusOK, heal.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Healer.Stats())
}

func (s *Server) handleHealEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.subs.Healer == nil {
		http.Error(w, "heal manager not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Bucket string `json:"bucket"`
		Key    string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bucket == "" || req.Key == "" {
		http.Error(w, "bucket and key are required", http.StatusBadRequest)
		return
	}
	task := heal.Task{Bucket: req.Bucket, Key: req.Key, Reason: "admin"}
	if err := s.subs.Healer.Enqueue(r.Context(), task); err != nil {
		http.Error(w, "enqueue failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleHealPause(w http.ResponseWriter, r *http.Request) {
	if s.subs.Healer == nil {
		http.Error(w, "heal manager not configured", http.StatusServiceUnavailable)
		return
	}
	s.subs.Healer.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleHealResume(w http.ResponseWriter, r *http.Request) {
	if s.subs.Healer == nil {
		http.Error(w, "heal manager not configured", http.StatusServiceUnavailable)
		return
	}
	s.subs.Healer.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleReplicationStats(w http.ResponseWriter, r *http.Request) {
	if s.subs.Replication == nil {
		writeJSON(w, http.StatusOK, replication.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Replication.Stats())
}

func (s *Server) handleNotifyStats(w http.ResponseWriter, r *http.Request) {
	var delivered, dropped, failures uint64
	if s.subs.Notify != nil {
		delivered, dropped, failures = s.subs.Notify.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"delivered": delivered,
		"dropped":   dropped,
		"failures":  failures,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if s.subs.Identity == nil {
		http.Error(w, "identity system not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Identity.ListServiceAccounts())
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if s.subs.Identity == nil {
		http.Error(w, "identity system not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	account, err := s.subs.Identity.CreateServiceAccount(r.Context(), req.User)
	if err != nil {
		http.Error(w, "create account failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if s.subs.Identity == nil {
		http.Error(w, "identity system not configured", http.StatusServiceUnavailable)
		return
	}
	err := s.subs.Identity.DeleteServiceAccount(r.Context(), chi.URLParam(r, "accessKey"))
	switch {
	case errors.Is(err, iam.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, "delete account failed: "+err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
