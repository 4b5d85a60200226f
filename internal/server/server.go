// Package server wires the relay components into an HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/relay-chat/internal/attachment"
	"github.com/omochice/relay-chat/internal/auth"
	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/ledger"
	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

// Inbound frames carry attachments base64 encoded inside JSON. frameOverhead
// leaves room for the envelope and the text body; unlimitedFrameBytes caps
// frames when attachments have no size limit.
const (
	frameOverhead       = 64 << 10
	unlimitedFrameBytes = 64 << 20
)

// Server represents the relay HTTP server.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry    *prometheus.Registry
	hub         *chat.Hub
	ws          *ws.Handler
	attachments *attachment.Store
	ledger      *ledger.Pebble
	http        *http.Server

	mu       sync.Mutex
	listener net.Listener

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the ledger and attachment area and builds the server.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	dir, err := attachment.NewDirWriter(cfg.Attachments.Dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	attachments := attachment.NewStore(dir, attachment.Options{
		MaxBytes:   cfg.Attachments.MaxBytes,
		SyncWrites: cfg.Attachments.SyncWrites,
	}, logger, m)

	hub := chat.NewHub(chat.HubConfig{
		ProbeInterval: cfg.Heartbeat.Interval,
		ProbeTimeout:  cfg.Heartbeat.Timeout,
		SendBuffer:    cfg.Relay.SendBuffer,
		RatePerSecond: cfg.Relay.RatePerSecond,
		Burst:         cfg.Relay.Burst,
	}, store, attachments, logger, m)

	opts := ws.Options{
		Credential:      auth.CredentialFunc(cfg.Auth.CookieName),
		RejectAnonymous: cfg.Auth.RejectAnonymous,
		AllowedOrigins:  cfg.AllowedOrigins,
		ReadLimit:       frameLimit(cfg.Attachments.MaxBytes),
	}
	if cfg.Auth.JWTSecret != "" {
		opts.Resolver = auth.NewJWTResolver(cfg.Auth.JWTSecret)
	} else {
		logger.Warn().Msg("no jwt secret configured, every connection is anonymous")
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		registry:    registry,
		hub:         hub,
		ws:          ws.NewHandler(hub, opts, logger),
		attachments: attachments,
		ledger:      store,
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Hub returns the server's connection hub.
func (s *Server) Hub() *chat.Hub {
	return s.hub
}

// Ledger returns the message ledger.
func (s *Server) Ledger() *ledger.Pebble {
	return s.ledger
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RealIP,
		middleware.RequestID,
		withLogger(s.logger),
		middleware.Recoverer,
	)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get(s.cfg.WSPath, s.ws.ServeHTTP)
	r.Get("/test", s.handleTest)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	prefix := strings.TrimSuffix(s.cfg.Attachments.URLPrefix, "/")
	files := http.StripPrefix(prefix, http.FileServer(uploadsFS{http.Dir(s.cfg.Attachments.Dir)}))
	r.Get(prefix+"/*", files.ServeHTTP)

	return r
}

// frameLimit returns the largest inbound frame accepted when attachments
// are capped at maxBytes decoded bytes.
func frameLimit(maxBytes int64) int64 {
	if maxBytes <= 0 {
		return unlimitedFrameBytes
	}
	return (maxBytes+2)/3*4 + frameOverhead
}

// Listen binds the configured address. Run calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Str("ws_path", s.cfg.WSPath).Msg("relay listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests, closes every connection, waits for
// pending attachment writes and closes the ledger.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Int("connections", s.hub.ClientCount()).Msg("shutting down")

		var errs []error
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		s.ws.Close()
		s.attachments.Wait()
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("test ok"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.hub.ClientCount())
}

func withLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := logger.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			reqLogger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
