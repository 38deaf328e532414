// Package server provides the HTTP server for the upload gateway.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/upload-gateway/backend"
	"github.com/wolfeidau/upload-gateway/readpath"
	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/store/docstore"
	"github.com/wolfeidau/upload-gateway/telemetry"
	"github.com/wolfeidau/upload-gateway/upload"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataPath holds the document database and assembled files.
	DataPath string

	// MaxConnections caps concurrently accepted connections.
	// Zero means unlimited.
	MaxConnections int

	// DirectThreshold is the largest file uploaded in one request.
	// Default: 1 MiB.
	DirectThreshold int64

	// MaxChunkSize is the largest accepted chunk payload. Default: 1 MiB.
	MaxChunkSize int64

	// CompletionPolicy selects when a chunk triggers finalization.
	CompletionPolicy upload.CompletionPolicy

	// TombstoneTTL is how long finalized upload progress is kept.
	// Default: 24h.
	TombstoneTTL time.Duration

	// ReaperInterval is how often expired documents are purged.
	// Default: 5 minutes.
	ReaperInterval time.Duration

	// StoreTimeout bounds read-path store queries. Default: 5s.
	StoreTimeout time.Duration

	// FallbackTTL is how long read-path fallback data is cached. Default: 5s.
	FallbackTTL time.Duration

	// Defaults supplies read-path fallback records. Nil uses built-in values.
	Defaults *readpath.Defaults

	// APITokens maps bearer tokens to user ids. Empty disables auth.
	APITokens map[string]string

	// Remote enables upload sessions and relaying. Nil runs local-only.
	Remote upload.Remote

	// DefaultDriveID and DefaultFolder are used when a plan names no drive.
	DefaultDriveID string
	DefaultFolder  string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the upload gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	db        *docstore.BoltDB
	records   *store.Records
	backend   backend.Backend
	planner   *upload.Planner
	ingestor  *upload.Ingestor
	direct    *upload.Direct
	resources *readpath.Resources
	reaper    *docstore.ExpiryReaper

	reaperCtx  context.Context
	stopReaper context.CancelFunc
	reaperDone sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// New creates a server with the given configuration, opening its database
// and storage under DataPath.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./data"
	}
	if cfg.DirectThreshold <= 0 {
		cfg.DirectThreshold = upload.DefaultDirectThreshold
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = upload.DefaultMaxChunkSize
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = store.DefaultTombstoneTTL
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 5 * time.Minute
	}

	if err := os.MkdirAll(cfg.DataPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db := docstore.NewBoltDB(docstore.WithLogger(cfg.Logger.With("component", "docstore")))
	if err := db.Open(filepath.Join(cfg.DataPath, "gateway.db")); err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	s, err := newServer(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newServer(cfg Config, db *docstore.BoltDB) (*Server, error) {
	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.DataPath, "files"))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	files := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	records, err := store.NewRecords(db, store.WithLogger(cfg.Logger.With("component", "records")))
	if err != nil {
		return nil, fmt.Errorf("creating records: %w", err)
	}

	opts := []upload.Option{
		upload.WithLogger(cfg.Logger),
		upload.WithDirectThreshold(cfg.DirectThreshold),
		upload.WithMaxChunkSize(cfg.MaxChunkSize),
		upload.WithCompletionPolicy(cfg.CompletionPolicy),
		upload.WithTombstoneTTL(cfg.TombstoneTTL),
		upload.WithDefaultDrive(cfg.DefaultDriveID, cfg.DefaultFolder),
	}
	if cfg.Remote != nil {
		opts = append(opts, upload.WithRemote(cfg.Remote))
	}
	finalizer := upload.NewFinalizer(records, files, opts...)

	resources, err := readpath.NewResources(records, readpath.ResourcesConfig{
		Defaults:    cfg.Defaults,
		Timeout:     cfg.StoreTimeout,
		FallbackTTL: cfg.FallbackTTL,
		Logger:      cfg.Logger,
	})
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("creating read path: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		db:        db,
		records:   records,
		backend:   files,
		planner:   upload.NewPlanner(records, opts...),
		ingestor:  upload.NewIngestor(records, finalizer, opts...),
		direct:    upload.NewDirect(records, files, opts...),
		resources: resources,
		reaper: docstore.NewExpiryReaper(db,
			docstore.WithReaperInterval(cfg.ReaperInterval),
			docstore.WithReaperLogger(cfg.Logger.With("component", "reaper")),
		),
	}

	s.reaperCtx, s.stopReaper = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // finalizing a large upload relays it upstream
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /uploads/plan", s.handlePlan)
	mux.HandleFunc("POST /uploads/chunk", s.handleChunk)
	mux.HandleFunc("POST /uploads/direct", s.handleDirect)
	mux.HandleFunc("GET /uploads/progress", s.handleProgress)

	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("GET /files/{fileName}", s.handleGetFile)

	mux.HandleFunc("GET /cache/{resource}", s.handleCache)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/health")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Collections      map[string]int `json:"collections"`
	Resources        []string       `json:"resources"`
	RemoteEnabled    bool           `json:"remoteEnabled"`
	CompletionPolicy string         `json:"completionPolicy"`
	DirectThreshold  int64          `json:"directThreshold"`
	MaxChunkSize     int64          `json:"maxChunkSize"`
}

// handleStats reports document counts and upload settings.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/stats")

	counts, err := s.db.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Collections:      counts,
		Resources:        s.resources.Names(),
		RemoteEnabled:    s.config.Remote != nil,
		CompletionPolicy: s.config.CompletionPolicy.String(),
		DirectThreshold:  s.config.DirectThreshold,
		MaxChunkSize:     s.config.MaxChunkSize,
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Handlers fill in route, source and user.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.UserID != "" {
			attrs = append(attrs, "user_id", tags.UserID)
		}
		if tags.Source != telemetry.SourceNA {
			attrs = append(attrs, "source", tags.Source)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln, applying the connection limit and running the expiry
// reaper for the lifetime of the server.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.reaperDone.Add(1)
	go func() {
		defer s.reaperDone.Done()
		s.reaper.Run(s.reaperCtx)
	}()

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"max_connections", s.config.MaxConnections,
		"remote", s.config.Remote != nil,
		"completion_policy", s.config.CompletionPolicy.String(),
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, the reaper and the database.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.stopReaper()
	s.reaperDone.Wait()
	return errors.Join(err, s.Close())
}

// Close releases the database. Shutdown calls it; calling it again is a
// no-op.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.stopReaper()
		s.records.Close()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
