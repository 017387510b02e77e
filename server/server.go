// Package server wires the store, job queue, session manager,
// WebSocket fan-out and notification dispatcher into a runnable
// Agent Console server.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/agentconsole/agentconsole/internal/bus"
	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/httpapi"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/logging"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/notify"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/worktree"
	"github.com/agentconsole/agentconsole/internal/ws"
)

// Server is a wired Agent Console instance.
type Server struct {
	cfg        *config.Config
	sqlDB      *sql.DB
	store      *store.Store
	events     *bus.Bus
	trees      *worktree.Coordinator
	mgr        *session.Manager
	queue      *jobqueue.Queue
	dispatcher *notify.Dispatcher
	httpServer *http.Server
	cron       *cron.Cron
	shutdownCh chan struct{}
}

// NewServer opens the database, runs migrations, recovers persisted
// sessions, and wires all components. Call Serve to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB)

	events := bus.New()
	trees := worktree.New(st)
	mgr := session.NewManager(st, events, cfg)

	// Sessions orphaned by a prior process instance become paused; a
	// stale self-pid row means an aborted lifecycle and gets reaped.
	if err := mgr.Recover(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("recover sessions: %w", err)
	}

	dispatcher := notify.New(st, cfg.Notifications.Debounce, cfg.Notifications.Triggers,
		notify.NewSlackHandler(st))
	mgr.SetGlobalActivityCallback(dispatcher.HandleActivity)
	mgr.SetWorkerExitHook(dispatcher.HandleWorkerExit)

	queue := jobqueue.New(st, cfg.Queue.Concurrency, cfg.Queue.PollInterval)

	s := &Server{
		cfg:        cfg,
		sqlDB:      sqlDB,
		store:      st,
		events:     events,
		trees:      trees,
		mgr:        mgr,
		queue:      queue,
		dispatcher: dispatcher,
		shutdownCh: make(chan struct{}),
	}
	if err := s.registerJobHandlers(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	mux := http.NewServeMux()
	httpapi.New(st, mgr, queue, trees).Register(mux)
	mux.Handle("/ws/dashboard", ws.DashboardHandler(mgr, events, s.shutdownCh))
	mux.Handle("/ws/session/{sid}/worker/{wid}", ws.WorkerHandler(mgr, s.shutdownCh))
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(cfg.Maintenance.FetchSpec, s.fetchAllRepositories); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("schedule remote fetch: %w", err)
	}
	if _, err := s.cron.AddFunc("17 * * * *", s.pruneJobs); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("schedule job pruning: %w", err)
	}

	return s, nil
}

// Store exposes the persistence layer (tests, embedding).
func (s *Server) Store() *store.Store { return s.store }

// Serve starts listening and blocks until ctx is cancelled, then
// performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	s.queue.Start(ctx)
	s.cron.Start()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")

		// 1. Reject new WebSocket connections.
		close(s.shutdownCh)

		// 2. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)

		// 3. Stop background work; in-flight jobs finish.
		s.cron.Stop()
		s.queue.Stop()
		s.dispatcher.Dispose()

		// 4. Pause live sessions (screen buffers saved for restore).
		s.mgr.Shutdown(context.Background())

		close(shutdownDone)
	}()

	slog.Info("server listening", "addr", s.cfg.Addr, "home", s.cfg.Home)

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

// fetchAllRepositories refreshes remote state for every registered
// repository. Best-effort; failures are logged.
func (s *Server) fetchAllRepositories() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repos, err := s.store.FindAllRepositories(ctx)
	if err != nil {
		slog.Warn("list repositories for fetch failed", "error", err)
		return
	}
	for _, repo := range repos {
		if err := s.trees.FetchAll(repo); err != nil {
			slog.Debug("remote fetch failed", "repository_id", repo.ID, "error", err)
		}
	}
}

// pruneJobs deletes completed jobs past the retention window.
func (s *Server) pruneJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Maintenance.JobRetention)
	n, err := s.store.PruneCompletedJobs(ctx, cutoff)
	if err != nil {
		slog.Warn("prune jobs failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("pruned completed jobs", "count", n)
	}
}
