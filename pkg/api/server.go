package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/events"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/wal"
)

// Server is the HTTP/JSON API. Writes append to the log and return a
// receipt; reads hit the canonical and mailbox stores directly with
// the caller's visibility.
type Server struct {
	store    *store.Store
	mailbox  *mailbox.Store
	stream   wal.Stream
	registry *schema.Registry
	hub      *events.Hub
	cfg      config.APIConfig
	topic    string
	logger   zerolog.Logger
	http     *http.Server

	mu   sync.Mutex
	addr string
}

// New creates the API server. registry and hub may be nil; fingerprint
// validation and wait_applied are then disabled.
func New(st *store.Store, mb *mailbox.Store, stream wal.Stream, reg *schema.Registry, hub *events.Hub, cfg config.APIConfig, topic string) *Server {
	s := &Server{
		store:    st,
		mailbox:  mb,
		stream:   stream,
		registry: reg,
		hub:      hub,
		cfg:      cfg,
		topic:    topic,
		logger:   log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.Bind,
		Handler:           s.middleware(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/atomic", s.handleAtomic)
	mux.HandleFunc("GET /v1/receipts/{key}", s.handleReceipt)

	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("POST /v1/nodes/batch", s.handleBatchNodes)
	mux.HandleFunc("GET /v1/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("GET /v1/nodes/{id}/edges", s.handleEdges)

	mux.HandleFunc("GET /v1/mailbox", s.handleMailboxList)
	mux.HandleFunc("GET /v1/mailbox/search", s.handleMailboxSearch)
	mux.HandleFunc("GET /v1/mailbox/unread", s.handleMailboxUnread)
	mux.HandleFunc("POST /v1/mailbox/read", s.handleMailboxRead)

	mux.HandleFunc("GET /v1/schema", s.handleSchema)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	mux.HandleFunc("GET /readyz", metrics.ReadyHandler())
	mux.HandleFunc("GET /livez", metrics.LivenessHandler())

	return mux
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("bind", s.addr).Msg("api listening")
	err = s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
