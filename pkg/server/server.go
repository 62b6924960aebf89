package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/entdb/entdb/pkg/api"
	"github.com/entdb/entdb/pkg/applier"
	"github.com/entdb/entdb/pkg/archiver"
	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/events"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/snapshotter"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/wal"
)

// shutdownGrace bounds how long in-flight API requests may drain after
// the run context is canceled.
const shutdownGrace = 15 * time.Second

// Server wires every component of the service together: schema
// registry, log stream, canonical and mailbox stores, applier,
// archiver, snapshotter, and the HTTP API.
type Server struct {
	cfg        *config.Config
	schemaPath string
	logger     zerolog.Logger
}

// New creates a server. schemaPath may be empty; the service then runs
// schemaless with fingerprint pinning disabled.
func New(cfg *config.Config, schemaPath string) *Server {
	return &Server{
		cfg:        cfg,
		schemaPath: schemaPath,
		logger:     log.WithComponent("server"),
	}
}

// Run starts every configured component and blocks until ctx is
// canceled or a component fails. Shutdown is graceful: the API drains,
// the applier commits its batch, and the archiver flushes pending
// segments.
func (s *Server) Run(ctx context.Context) error {
	registry, err := s.loadRegistry()
	if err != nil {
		return err
	}

	st, err := store.NewStore(s.cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	mb, err := mailbox.NewStore(s.cfg.Storage)
	if err != nil {
		return err
	}
	defer mb.Close()

	stream, err := s.connectStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	metrics.RegisterComponent("wal", true, "")

	hub := events.NewHub()
	hub.Start()
	defer hub.Stop()

	ap := applier.New(stream, st, mb, registry, hub, s.cfg.Applier, s.cfg.Topic())
	apiServer := api.New(st, mb, stream, registry, hub, s.cfg.API, s.cfg.Topic())

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		metrics.RegisterComponent("applier", true, "")
		err := ap.Run(ctx)
		metrics.UpdateComponent("applier", false, "stopped")
		return ignoreCanceled(err)
	})

	if s.cfg.Archiver.Enabled || s.cfg.Snapshot.Enabled {
		objects, err := objstore.NewS3Store(ctx, s.cfg.S3)
		if err != nil {
			return err
		}
		if s.cfg.Archiver.Enabled {
			ar := archiver.New(stream, objects, s.cfg.Archiver, s.cfg.S3.ArchivePrefix, s.cfg.Topic())
			g.Go(func() error {
				return ignoreCanceled(ar.Run(ctx))
			})
		}
		if s.cfg.Snapshot.Enabled {
			fingerprint := ""
			if registry != nil {
				fingerprint = registry.Fingerprint()
			}
			sn := snapshotter.New(st, objects, s.cfg.Snapshot, s.cfg.S3.SnapshotPrefix, fingerprint)
			g.Go(func() error {
				return ignoreCanceled(sn.Run(ctx))
			})
		}
	}

	g.Go(func() error {
		metrics.RegisterComponent("api", true, "")
		err := apiServer.Start()
		metrics.UpdateComponent("api", false, "stopped")
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	if s.cfg.Observability.MetricsEnabled && s.cfg.Observability.MetricsPort > 0 {
		s.startMetricsServer(ctx, g)
	}

	g.Go(func() error {
		s.watchStream(ctx, stream)
		return nil
	})

	s.logger.Info().
		Str("backend", string(s.cfg.Backend)).
		Str("bind", s.cfg.API.Bind).
		Bool("archiver", s.cfg.Archiver.Enabled).
		Bool("snapshotter", s.cfg.Snapshot.Enabled).
		Msg("service started")

	err = g.Wait()
	s.logger.Info().Msg("service stopped")
	return err
}

// loadRegistry reads and freezes the declared schema, if any.
func (s *Server) loadRegistry() (*schema.Registry, error) {
	if s.schemaPath == "" {
		s.logger.Warn().Msg("no schema file configured, fingerprint pinning disabled")
		return nil, nil
	}
	registry, err := schema.LoadFile(s.schemaPath)
	if err != nil {
		return nil, err
	}
	fingerprint, err := registry.Freeze()
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("path", s.schemaPath).
		Str("fingerprint", fingerprint).
		Msg("schema loaded")
	return registry, nil
}

// connectStream builds the configured log backend and connects with
// exponential backoff. Brokers routinely come up after the service in
// container deployments.
func (s *Server) connectStream(ctx context.Context) (wal.Stream, error) {
	stream, err := wal.New(s.cfg)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	err = backoff.Retry(func() error {
		if err := stream.Connect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("log stream connect failed, retrying")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// startMetricsServer serves /metrics and the health endpoints on their
// own port, so scrapers and probes stay off the API listener.
func (s *Server) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Observability.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info().Str("bind", srv.Addr).Msg("metrics listening")
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// watchStream keeps the wal health component current.
func (s *Server) watchStream(ctx context.Context, stream wal.Stream) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stream.Connected() {
				metrics.UpdateComponent("wal", true, "")
			} else {
				metrics.UpdateComponent("wal", false, "disconnected")
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
