// Package admin exposes the firmware catalog and server statistics over
// HTTP: uploads, listing, deletion, the latest artifact, live sessions and
// Prometheus metrics. It carries no transfer protocol semantics.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/server/engine"
	"github.com/kabili207/fota-go/server/session"
)

const (
	// DefaultMaxUploadSize bounds an uploaded binary.
	DefaultMaxUploadSize = 16 << 20

	// DefaultBaseName is used when an upload names no base.
	DefaultBaseName = "firmware"

	shutdownTimeout = 5 * time.Second
)

// Catalog is the part of the firmware catalog the admin surface manages.
type Catalog interface {
	Latest() (firmware.Artifact, error)
	List() []firmware.Artifact
	Put(base string, version firmware.Version, r io.Reader) (firmware.Artifact, error)
	Delete(name string) error
}

// Announcer is told when an upload changes the latest artifact.
type Announcer interface {
	PublishLatest(a firmware.Artifact) error
}

// Config configures a Server.
type Config struct {
	// Catalog to manage. Required.
	Catalog Catalog
	// Registry for the session listing and session gauges. Optional.
	Registry *session.Registry
	// Counters of the protocol engine. Optional.
	Counters *engine.Counters
	// Announcer for new releases. Optional.
	Announcer Announcer

	// MaxUploadSize bounds request bodies on upload. Default: 16 MiB.
	MaxUploadSize int64

	// Logger for admin events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Server is the admin HTTP handler.
type Server struct {
	cfg     Config
	log     *slog.Logger
	mux     *http.ServeMux
	metrics *prometheus.Registry
}

// New creates the admin server and registers its metrics.
func New(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("firmware catalog is required")
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		log:     logger.WithGroup("admin"),
		mux:     http.NewServeMux(),
		metrics: prometheus.NewRegistry(),
	}
	if err := s.metrics.Register(newCollector(cfg.Counters, cfg.Registry, cfg.Catalog)); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if err := s.metrics.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go metrics: %w", err)
	}

	s.mux.HandleFunc("POST /firmware", s.handleUpload)
	s.mux.HandleFunc("GET /firmware", s.handleList)
	s.mux.HandleFunc("GET /firmware/latest", s.handleLatest)
	s.mux.HandleFunc("DELETE /firmware/{name}", s.handleDelete)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves the admin surface on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the admin surface on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("admin listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	version, err := firmware.ParseVersion(q.Get("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid version: %v", err))
		return
	}
	base := q.Get("name")
	if base == "" {
		base = DefaultBaseName
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	first := make([]byte, 1)
	n, err := io.ReadFull(body, first)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("reading body: %v", err))
			return
		}
		writeError(w, http.StatusBadRequest, "empty firmware body")
		return
	}

	a, err := s.cfg.Catalog.Put(base, version, io.MultiReader(bytes.NewReader(first), body))
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("firmware exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, firmware.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("upload failed", "name", base, "version", version.String(), "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.log.Info("firmware uploaded", "name", a.Name, "size", a.Size, "remote", r.RemoteAddr)

	if s.cfg.Announcer != nil {
		if latest, err := s.cfg.Catalog.Latest(); err == nil && latest.Name == a.Name {
			if err := s.cfg.Announcer.PublishLatest(latest); err != nil {
				s.log.Warn("announcing release failed", "name", latest.Name, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Catalog.List())
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	a, err := s.cfg.Catalog.Latest()
	if err != nil {
		if errors.Is(err, firmware.ErrNoFirmware) {
			writeError(w, http.StatusNotFound, "no firmware available")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.cfg.Catalog.Delete(name)
	switch {
	case err == nil:
		s.log.Info("firmware removed", "name", name, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, firmware.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, firmware.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Status is the body of GET /status.
type Status struct {
	Counters engine.CountersSnapshot `json:"counters"`
	Sessions []session.Session       `json:"sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{Sessions: []session.Session{}}
	if s.cfg.Counters != nil {
		st.Counters = s.cfg.Counters.Snapshot()
	}
	if s.cfg.Registry != nil {
		st.Sessions = s.cfg.Registry.List()
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
