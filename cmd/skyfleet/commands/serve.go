package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/auth"
	"github.com/skyfleet-io/skyfleet/bus"
	"github.com/skyfleet-io/skyfleet/config"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/executor"
	"github.com/skyfleet-io/skyfleet/fanout"
	"github.com/skyfleet-io/skyfleet/intake"
	"github.com/skyfleet-io/skyfleet/joblog"
	"github.com/skyfleet-io/skyfleet/logger"
	"github.com/skyfleet-io/skyfleet/queue"
	"github.com/skyfleet-io/skyfleet/server"
	"github.com/skyfleet-io/skyfleet/social"
	"github.com/skyfleet-io/skyfleet/worker"
)

var serveConfigPath string

// ServeCmd runs the orchestrator: queues, worker pools, fan-out hub,
// and the HTTP/WebSocket edge.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config file (default: skyfleet.toml)")
}

func serve() error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Log.Level, cfg.IsProduction()); err != nil {
		return err
	}
	defer logger.Cleanup()
	log := logger.Logger

	db, err := sql.Open("sqlite3", cfg.Database.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.Wrapf(err, "failed to open database %s", cfg.Database.Path)
	}
	defer db.Close()

	jobStore, err := queue.NewStore(db)
	if err != nil {
		return err
	}
	accountStore, err := accounts.NewSQLStore(db)
	if err != nil {
		return err
	}

	// Jobs left active by a previous run have no live worker; return
	// them to waiting before any pool starts claiming.
	recovered, err := jobStore.RequeueOrphans(context.Background())
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Infow("requeued orphaned jobs from previous run", "count", recovered)
	}

	eventBus := bus.New()
	sinks := joblog.NewRegistry()

	var limiter *rate.Limiter
	if rpm := cfg.Fleet.UpstreamRatePerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		log.Infow("upstream rate gate enabled", "per_minute", rpm)
	}

	factory := social.NewFactory(cfg.Social.Endpoint, cfg.Social.Proxy, limiter)
	coordinator := auth.NewCoordinator(accountStore, factory)
	dispatcher := executor.NewDispatcher(coordinator, nil)

	lockDuration := time.Duration(cfg.Fleet.LockDurationS) * time.Second
	registry := queue.NewRegistry(jobStore, eventBus, log, lockDuration)

	// Tenants with a live subscriber get the larger live-tier pools
	// for queues created while they are connected.
	var liveMu sync.Mutex
	liveTenants := make(map[string]bool)

	// One pool per queue, attached as queues come into existence.
	var poolMu sync.Mutex
	var pools []*worker.Pool
	registry.OnQueueCreated = func(q *queue.Queue) {
		workers := cfg.Fleet.Concurrency
		liveMu.Lock()
		if liveTenants[q.TenantID()] {
			workers = cfg.Fleet.LiveConcurrency
		}
		liveMu.Unlock()

		pool := worker.NewPool(q, dispatcher, eventBus, sinks, log, worker.Config{
			Concurrency:   workers,
			ClaimInterval: time.Duration(cfg.Fleet.ClaimIntervalMS) * time.Millisecond,
			LockDuration:  lockDuration,
		})
		pool.Start()
		poolMu.Lock()
		pools = append(pools, pool)
		poolMu.Unlock()
	}
	registry.StartMaintenance()

	hub := fanout.NewHub(eventBus, sinks, log)
	hub.OnSubscribe = func(tenantID string) {
		liveMu.Lock()
		liveTenants[tenantID] = true
		liveMu.Unlock()
	}
	hub.Run()

	intakeSvc := intake.NewService(registry, accountStore, sinks)
	srv := server.New(cfg, intakeSvc, accountStore, registry, hub, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server shutdown error", "error", err)
	}
	poolMu.Lock()
	for _, pool := range pools {
		pool.Stop()
	}
	poolMu.Unlock()
	registry.Close()
	hub.Close()

	log.Info("shutdown complete")
	return nil
}
