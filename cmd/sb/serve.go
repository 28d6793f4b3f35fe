package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/diagnosis"
	"github.com/zulandar/signalbox/internal/glossary"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/llm"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/pipeline"
	"github.com/zulandar/signalbox/internal/server"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/warehouse"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long:  "Serves the websocket chat endpoint, the cache and journal API, health and metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&debug, "debug", false, "attach debug payloads to answers (overrides chat.debug)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if debug {
		cfg.Chat.Debug = true
	}

	log, err := logging.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.StartOpts{
			Port:         cfg.Server.Port,
			Out:          cmd.OutOrStdout(),
			Logger:       log,
			Sessions:     app.sessions,
			Cache:        app.cache,
			Journal:      journal.NewReader(app.metaDB),
			Metrics:      app.metrics,
			Terms:        app.terms,
			PingInterval: cfg.Chat.HeartbeatInterval,
			HistoryLimit: cfg.Chat.HistoryLimit,
		})
	})
	g.Go(func() error {
		return app.sweeper.Run(gctx)
	})
	if app.bus != nil {
		g.Go(func() error {
			return app.bus.Run(gctx, app.sessions)
		})
	}

	log.Info("serve: started", "port", cfg.Server.Port, "sweep_next", app.sweeper.Next().Format(time.RFC3339), "interrupt_bus", app.bus != nil)
	err = g.Wait()
	log.Info("serve: stopping")
	return err
}

// app holds every long-lived component of a running server.
type app struct {
	metaDB      *gorm.DB
	warehouseDB *gorm.DB
	metrics     *metrics.Metrics
	cache       *cache.Store
	journal     *journal.Journal
	terms       *glossary.Glossary
	sessions    *session.Manager
	sweeper     *session.Sweeper
	bus         *session.Bus
	log         *logging.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{log: log, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.metaDB, err = db.Connect(cfg.Database); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(a.metaDB); err != nil {
		return nil, err
	}
	a.warehouseDB = a.metaDB
	if cfg.Warehouse != cfg.Database {
		if a.warehouseDB, err = db.Connect(cfg.Warehouse); err != nil {
			return nil, err
		}
	}

	if a.cache, err = cache.NewStore(a.metaDB); err != nil {
		return nil, err
	}
	if a.journal, err = journal.New(journal.Opts{
		DB:      a.metaDB,
		Buffer:  cfg.Pipeline.JournalBuffer,
		Logger:  log,
		Metrics: a.metrics,
	}); err != nil {
		return nil, err
	}

	if a.terms, err = glossary.New(cfg.Terms, log); err != nil {
		return nil, err
	}

	orch, err := buildOrchestrator(cfg, a, log)
	if err != nil {
		return nil, err
	}

	history, err := session.NewHistory(a.metaDB)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled() {
		if a.bus, err = session.NewBus(ctx, cfg.Redis, log); err != nil {
			return nil, err
		}
	}
	opts := session.Opts{
		Pipeline: orch,
		History:  history,
		Metrics:  a.metrics,
		Logger:   log,
		Chat:     cfg.Chat,
	}
	if a.bus != nil {
		opts.Publisher = a.bus
	}
	if a.sessions, err = session.NewManager(opts); err != nil {
		return nil, err
	}
	if a.sweeper, err = session.NewSweeper(a.sessions, cfg.Chat.SweepSchedule); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func buildOrchestrator(cfg *config.Config, a *app, log *logging.Logger) (*pipeline.Orchestrator, error) {
	client, err := llm.New(cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	exec, err := warehouse.NewExecutor(warehouse.ExecutorOpts{DB: a.warehouseDB, Logger: log})
	if err != nil {
		return nil, err
	}
	catalog := warehouse.NewCatalog(a.warehouseDB, 5*time.Minute)
	planner := llm.NewPlanner(client, catalog)

	prober, err := warehouse.NewProber(warehouse.ProberOpts{
		DB:       a.warehouseDB,
		Catalog:  catalog,
		Variants: llm.NewValueVariants(client),
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	engine, err := diagnosis.NewEngine(diagnosis.EngineOpts{
		Prober:  prober,
		Planner: planner,
		Catalog: catalog,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Opts{
		Intent:     llm.NewIntentResolver(client, a.terms),
		Planner:    planner,
		Executor:   exec,
		Analyzer:   llm.NewAnalyzer(client),
		Responder:  llm.NewResponder(client),
		Validators: llm.NewValidators(client),
		Diagnosis:  engine,
		Cache:      a.cache,
		Journal:    a.journal,
		Metrics:    a.metrics,
		Logger:     log,
		Settings:   pipeline.SettingsFromConfig(cfg),
	})
}

// close stops components in reverse dependency order: sessions first so no
// run is left writing to the journal, then the journal, then the databases.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.sessions != nil {
		if err := a.sessions.Close(ctx); err != nil {
			a.log.Warn("serve: close sessions", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(ctx); err != nil {
			a.log.Warn("serve: close journal", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.warehouseDB != nil && a.warehouseDB != a.metaDB {
		closeDB(a.warehouseDB)
	}
	if a.metaDB != nil {
		closeDB(a.metaDB)
	}
}
