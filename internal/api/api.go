// Package api provides the HTTP ingress for the qualification engine.
//
// It exposes the WhatsApp webhook that feeds inbound messages into the
// session orchestrator, a start endpoint for new-lead triggers, plus health
// and stats endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/qualification"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// DefaultWebhookDedupTTL is the window within which a webhook redelivery of
// the same message id is ignored.
const DefaultWebhookDedupTTL = 300 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	WebhookDedupTTL time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhookDedupTTL overrides the webhook message-id dedup window.
func WithWebhookDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		if ttl > 0 {
			o.WebhookDedupTTL = ttl
		}
	}
}

// Server is the HTTP ingress of the qualification engine.
type Server struct {
	addr    string
	orch    *qualification.Orchestrator
	store   store.Store
	metrics *metrics.Registry

	// seen caches processed webhook message ids. Redeliveries inside the
	// TTL are acknowledged without reprocessing.
	seenMu   sync.Mutex
	seen     map[string]time.Time
	dedupTTL time.Duration

	// now is the clock source; replaceable in tests.
	now func() time.Time

	httpServer *http.Server
}

// NewServer creates an API server over the orchestrator and store.
func NewServer(orch *qualification.Orchestrator, st store.Store, reg *metrics.Registry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, WebhookDedupTTL: DefaultWebhookDedupTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:     cfg.Addr,
		orch:     orch,
		store:    st,
		metrics:  reg,
		seen:     make(map[string]time.Time),
		dedupTTL: cfg.WebhookDedupTTL,
		now:      time.Now,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/whatsapp", s.webhookHandler)
	mux.HandleFunc("/leads/", s.leadsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}

// isDuplicateWebhook reports whether a webhook message id was already
// processed inside the dedup window, marking it as seen otherwise.
func (s *Server) isDuplicateWebhook(phone, messageID string) bool {
	if messageID == "" {
		return false
	}
	key := phone + ":" + messageID
	now := s.now()

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for k, ts := range s.seen {
		if now.Sub(ts) > s.dedupTTL {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = now
	return false
}
