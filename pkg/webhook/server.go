// Package webhook exposes the inbound HTTP surface of the controller:
// the signature-gated GitHub webhook, the Buildbot status-push endpoint,
// and a small read-only status API.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/buildbot"
	"github.com/crosswalk-project/trybot-controller/pkg/config"
	"github.com/crosswalk-project/trybot-controller/pkg/dispatch"
	"github.com/crosswalk-project/trybot-controller/pkg/events"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
	"github.com/crosswalk-project/trybot-controller/pkg/jira"
	"github.com/crosswalk-project/trybot-controller/pkg/report"
	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the webhook HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	bus        *events.Bus
	correlator *buildbot.Correlator
	scheduler  *report.Scheduler
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new webhook server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "webhook"),
		cfg: cfg,
	}
}

// Start opens the store, wires the event subscribers, and starts the
// HTTP server plus the sync scheduler.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	ghClient := github.NewClient(s.log, &s.cfg.GitHub)
	bbClient := buildbot.NewClient(s.log, &s.cfg.Buildbot)
	reporter := report.NewReporter(s.log, s.store, ghClient, &s.cfg.Buildbot)

	// Subscribers run in registration order: trybot dispatch first,
	// then the JIRA updater.
	s.bus = events.NewBus(s.log)

	dispatch.NewHandler(
		s.log, s.cfg, s.store, ghClient, bbClient, reporter,
	).Register(s.bus)

	if s.cfg.JIRA != nil && s.cfg.JIRA.Enabled {
		jira.NewHandler(s.log, s.cfg.JIRA).Register(s.bus)

		s.log.Info("JIRA updater enabled")
	}

	s.correlator = buildbot.NewCorrelator(s.log, s.store)

	interval, err := s.cfg.SyncInterval()
	if err != nil {
		return fmt.Errorf("parsing sync interval: %w", err)
	}

	pendingTTL, err := s.cfg.PendingTTL()
	if err != nil {
		return fmt.Errorf("parsing pending ttl: %w", err)
	}

	s.scheduler = report.NewScheduler(
		s.log, s.store, reporter, interval, pendingTTL,
		s.cfg.Sync.Concurrency,
	)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("Webhook server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	s.scheduler.Start(ctx)

	return nil
}

// Stop gracefully shuts down the HTTP server, the sync scheduler, and
// the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("Webhook server stopped")

	return nil
}
