// Package profiling serves the runtime profiling endpoints on a dedicated
// listener, enabled only when ORBITFS_PPROF_ADDR is set. Keeping it off the
// public router means the profiles are never reachable through the S3 or
// admin surfaces.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"
)

// EnvAddr names the environment variable that enables the listener.
const EnvAddr = "ORBITFS_PPROF_ADDR"

// Server is the profiling HTTP server.
type Server struct {
	addr string
	log  *slog.Logger
	srv  *http.Server
	ln   net.Listener
}

// FromEnv builds a server from ORBITFS_PPROF_ADDR, or returns nil when the
// variable is unset.
func FromEnv(log *slog.Logger) *Server {
	addr := os.Getenv(EnvAddr)
	if addr == "" {
		return nil
	}
	return New(addr, log)
}

// New builds a server bound to addr.
func New(addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, log: log}
}

// Start binds the listener and begins serving. The handlers are registered on
// a private mux rather than http.DefaultServeMux.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("profiling: bind %q: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serr := s.srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Error("profiling: serve", slog.String("error", serr.Error()))
		}
	}()
	s.log.Info("profiling: listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests until ctx expires. Safe when never started.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address, for tests.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}
