package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/easelhq/easel/internal/api"
	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/params"
	"github.com/easelhq/easel/internal/replay"
	"github.com/easelhq/easel/internal/store"
	"github.com/easelhq/easel/internal/worker"
)

// workerRequestTimeout bounds a single HTTP call to a worker. Jobs outliving
// it are covered by the per-job timeout, not this one.
const workerRequestTimeout = 30 * time.Second

func main() {
	godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("easel: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var fleet config.Fleet
	if cfg.FleetPath != "" {
		fleet, err = config.LoadFleet(cfg.FleetPath)
		if err != nil {
			log.Fatalf("failed to load fleet file: %v", err)
		}
	}

	registry := worker.NewRegistry()
	for _, decl := range fleet.Workers {
		id, err := registry.Register(worker.Worker{
			ID:      decl.ID,
			Name:    decl.Name,
			URL:     decl.URL,
			Backend: decl.Backend,
			VRAMMB:  decl.VRAMMB,
			Models:  decl.Models,
		})
		if err != nil {
			log.Fatalf("failed to register worker %q: %v", decl.Name, err)
		}
		logger.Info("worker registered", "worker_id", id, "name", decl.Name, "url", decl.URL)
	}

	d := dispatch.NewDispatcher(db, registry, worker.NewClient(workerRequestTimeout), logger, dispatch.Options{
		QueueMax:          cfg.QueueMax,
		InFlightCap:       cfg.InFlightCap,
		JobTimeout:        cfg.JobTimeout,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err := d.Recover(context.Background()); err != nil {
		log.Fatalf("failed to recover jobs: %v", err)
	}
	d.Start()
	defer d.Shutdown()

	if cfg.RetentionAge > 0 {
		c := cron.New()
		_, err := c.AddFunc(cfg.RetentionSchedule, func() {
			cutoff := time.Now().UTC().Add(-cfg.RetentionAge)
			n, err := db.PruneJobs(context.Background(), cutoff)
			if err != nil {
				logger.Error("prune jobs", "error", err)
				return
			}
			if n > 0 {
				logger.Info("jobs pruned", "count", n, "cutoff", cutoff.Format(time.RFC3339))
			}
		})
		if err != nil {
			log.Fatalf("invalid retention schedule %q: %v", cfg.RetentionSchedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	norm := params.NewNormalizer(fleet.Catalog.Models, fleet.Catalog.VAEs)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:      db,
		Registry:   registry,
		Dispatcher: d,
		Resolver:   replay.NewResolver(db, norm),
		Normalizer: norm,
		Catalog:    fleet.Catalog,
	}, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
