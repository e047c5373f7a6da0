// Command fechamento-worker keeps exported closings current: it consumes
// ledger events, repairs drifted invoices and sweeps the report cache.
package main

import (
	"context"
	"os"
	"time"

	"fechamento/internal/cli"
	"fechamento/internal/ledger"
	"fechamento/internal/log"
	"fechamento/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig(log.ComponentWorker)

	logger.Info("Starting fechamento-worker",
		"backend", cfg.DataBackend,
		"orgs", len(cfg.OrgIDs),
		"maintenance_interval", cfg.MaintenanceInterval,
		"auto_rollover", cfg.AutoRollover)

	res := cli.OpenBackend(context.Background(), logger, cfg)

	svc, caches := cli.NewClosingService(res.Store, cfg)
	w := worker.NewClosingWorker(svc, ledger.New(res.Store, res.Publisher), res.Reports, worker.Options{
		OrgIDs:       cfg.OrgIDs,
		AutoRollover: cfg.AutoRollover,
		Today:        cli.Today(cfg),
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Cleanup failed", log.FieldError, err)
		}
	})

	logger.Info("Performing startup export")
	if err := w.StartupExport(ctx); err != nil {
		logger.Error("Startup export failed", log.FieldError, err)
	}

	var consume worker.ConsumeFunc
	if res.Events != nil {
		consume = res.Events.ConsumeLedgerEvents
	} else {
		logger.Info("Ledger events disabled - no AMQP_URL provided")
	}

	if err := w.Run(ctx, consume, caches, cfg.MaintenanceInterval); err != nil {
		logger.Error("Worker stopped", log.FieldError, err)
		if cerr := res.Cleanup(); cerr != nil {
			logger.Error("Cleanup failed", log.FieldError, cerr)
		}
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
}
