// Package api implements the S3 serving layer. The server starts before the
// storage engine exists so health endpoints answer early; the engine and
// identity system are attached once bootstrap reaches them, and object routes
// answer 503 until the process reports ready.
package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orbitfs/orbitfs/pkg/audit"
	"github.com/orbitfs/orbitfs/pkg/iam"
	"github.com/orbitfs/orbitfs/pkg/iam/sigv4"
	"github.com/orbitfs/orbitfs/pkg/obs/metrics"
	"github.com/orbitfs/orbitfs/pkg/obs/tracing"
	"github.com/orbitfs/orbitfs/pkg/storage"
)

// Lifecycle exposes the process state to the health endpoints.
type Lifecycle struct {
	State  func() string
	Ready  func() bool
	Uptime func() time.Duration
}

// Options configures the server.
type Options struct {
	Addr        string
	Version     string
	Metrics     *metrics.Metrics
	Lifecycle   Lifecycle
	Audit       *audit.System
	RequireAuth bool
}

// Server is the HTTP serving layer.
type Server struct {
	opts Options
	log  *slog.Logger
	mux  *chi.Mux
	srv  *http.Server
	ln   net.Listener

	eng   atomic.Pointer[storage.Engine]
	ident atomic.Pointer[iam.System]

	health map[string]func(context.Context) bool
}

// New builds the server and its routes.
func New(opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Lifecycle.State == nil {
		opts.Lifecycle.State = func() string { return "unknown" }
	}
	if opts.Lifecycle.Ready == nil {
		opts.Lifecycle.Ready = func() bool { return false }
	}
	if opts.Lifecycle.Uptime == nil {
		opts.Lifecycle.Uptime = func() time.Duration { return 0 }
	}
	s := &Server{
		opts:   opts,
		log:    log,
		mux:    chi.NewRouter(),
		health: make(map[string]func(context.Context) bool),
	}
	s.routes()
	return s
}

// Attach hands the server the subsystems that come up after it. Called from
// bootstrap before traffic is admitted; the readiness gate covers the window
// in between.
func (s *Server) Attach(eng *storage.Engine, ident *iam.System) {
	if eng != nil {
		s.eng.Store(eng)
	}
	if ident != nil {
		s.ident.Store(ident)
	}
}

// AddHealthCheck registers a named subsystem probe for the health document.
// Must be called during bootstrap, before traffic.
func (s *Server) AddHealthCheck(name string, probe func(context.Context) bool) {
	s.health[name] = probe
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and begins serving. A bind failure is returned
// synchronously so bootstrap can abort.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api: bind %q: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serr := s.srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Error("api: serve", slog.String("error", serr.Error()))
		}
	}()
	s.log.Info("api: listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) routes() {
	s.mux.Use(s.opts.Metrics.Middleware)
	s.mux.Use(tracing.Middleware)

	s.mux.Get("/livez", s.handleLivez)
	s.mux.Get("/readyz", s.handleReadyz)
	s.mux.Get("/healthz", s.handleHealthz)
	s.mux.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())

	s.mux.Group(func(r chi.Router) {
		r.Use(s.gate)
		if s.opts.RequireAuth {
			r.Use(sigv4.Middleware(s.credentials(), nil))
		}
		r.Get("/", s.handleListBuckets)
		r.Put("/{bucket}", s.handleMakeBucket)
		r.Head("/{bucket}", s.handleHeadBucket)
		r.Put("/{bucket}/*", s.handlePutObject)
		r.Get("/{bucket}/*", s.handleGetObject)
		r.Head("/{bucket}/*", s.handleHeadObject)
		r.Delete("/{bucket}/*", s.handleDeleteObject)
	})
}

// gate answers 503 on object routes until the process is ready.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.Lifecycle.Ready() || s.eng.Load() == nil {
			s.writeError(w, r, http.StatusServiceUnavailable, "ServiceUnavailable", "server is starting or stopping")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credentials defers identity lookups to the late-attached system.
func (s *Server) credentials() sigv4.CredentialsStore {
	return credentialProxy{s: s}
}

type credentialProxy struct{ s *Server }

func (p credentialProxy) Lookup(accessKey string) (string, string, bool) {
	ident := p.s.ident.Load()
	if ident == nil {
		return "", "", false
	}
	return ident.Lookup(accessKey)
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Lifecycle.Ready() {
		http.Error(w, "not ready: "+s.opts.Lifecycle.State(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type healthDocument struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	State     string            `json:"state"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    float64           `json:"uptime"` // seconds
	Details   map[string]string `json:"details"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	doc := healthDocument{
		Status:    "ok",
		Service:   "orbitfs",
		Version:   s.opts.Version,
		State:     s.opts.Lifecycle.State(),
		Timestamp: time.Now().UTC(),
		Uptime:    s.opts.Lifecycle.Uptime().Seconds(),
		Details:   make(map[string]string, len(s.health)),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, probe := range s.health {
		if probe(ctx) {
			doc.Details[name] = "connected"
		} else {
			doc.Details[name] = "disconnected"
			doc.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

type listBucketsResult struct {
	XMLName xml.Name `xml:"ListAllMyBucketsResult"`
	Owner   struct {
		ID          string `xml:"ID"`
		DisplayName string `xml:"DisplayName"`
	} `xml:"Owner"`
	Buckets struct {
		Bucket []bucketEntry `xml:"Bucket"`
	} `xml:"Buckets"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	buckets, err := s.eng.Load().ListBuckets(r.Context())
	if err != nil {
		s.writeStorageError(w, r, err)
		s.record(r, "ListBuckets", "", "", http.StatusInternalServerError, start)
		return
	}
	var out listBucketsResult
	out.Owner.ID = "orbitfs"
	out.Owner.DisplayName = "orbitfs"
	for _, b := range buckets {
		out.Buckets.Bucket = append(out.Buckets.Bucket, bucketEntry{
			Name:         b.Name,
			CreationDate: b.CreationDate.Format(time.RFC3339),
		})
	}
	s.writeXML(w, http.StatusOK, out)
	s.record(r, "ListBuckets", "", "", http.StatusOK, start)
}

func (s *Server) handleMakeBucket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	bucket := chi.URLParam(r, "bucket")
	if err := s.eng.Load().MakeBucket(r.Context(), bucket); err != nil {
		s.writeStorageError(w, r, err)
		s.record(r, "MakeBucket", bucket, "", errStatus(err), start)
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
	s.record(r, "MakeBucket", bucket, "", http.StatusOK, start)
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	ok, err := s.eng.Load().BucketExists(r.Context(), bucket)
	if err != nil {
		w.WriteHeader(errStatus(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	info, err := s.eng.Load().PutObject(r.Context(), bucket, key, r.Body)
	if err != nil {
		s.writeStorageError(w, r, err)
		s.record(r, "PutObject", bucket, key, errStatus(err), start)
		return
	}
	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.WriteHeader(http.StatusOK)
	s.record(r, "PutObject", bucket, key, http.StatusOK, start)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	rc, info, err := s.eng.Load().GetObject(r.Context(), bucket, key)
	if err != nil {
		s.writeStorageError(w, r, err)
		s.record(r, "GetObject", bucket, key, errStatus(err), start)
		return
	}
	defer rc.Close()
	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
	s.record(r, "GetObject", bucket, key, http.StatusOK, start)
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	info, err := s.eng.Load().StatObject(r.Context(), bucket, key)
	if err != nil {
		w.WriteHeader(errStatus(err))
		return
	}
	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	if err := s.eng.Load().DeleteObject(r.Context(), bucket, key); err != nil {
		s.writeStorageError(w, r, err)
		s.record(r, "DeleteObject", bucket, key, errStatus(err), start)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.record(r, "DeleteObject", bucket, key, http.StatusNoContent, start)
}

type errorResponse struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeXML(w, status, errorResponse{Code: code, Message: message, Resource: r.URL.Path})
}

func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		s.writeError(w, r, http.StatusNotFound, "NoSuchBucket", err.Error())
	case errors.Is(err, storage.ErrObjectNotFound):
		s.writeError(w, r, http.StatusNotFound, "NoSuchKey", err.Error())
	case errors.Is(err, storage.ErrBucketExists):
		s.writeError(w, r, http.StatusConflict, "BucketAlreadyExists", err.Error())
	case errors.Is(err, storage.ErrInvalidName):
		s.writeError(w, r, http.StatusBadRequest, "InvalidArgument", err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrBucketNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrBucketExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}

func (s *Server) record(r *http.Request, action, bucket, key string, status int, start time.Time) {
	if s.opts.Audit == nil {
		return
	}
	s.opts.Audit.Record(audit.Entry{
		RemoteAddr: r.RemoteAddr,
		Action:     action,
		Bucket:     bucket,
		Key:        key,
		Status:     status,
		Duration:   time.Since(start).Milliseconds(),
	})
}
