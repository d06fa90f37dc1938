package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/app"
	"github.com/jia-app/renewalservice/internal/config"
	sharedlog "github.com/jia-app/renewalservice/internal/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	runNow := flag.Bool("run-now", false, "repair every drifted subscription now instead of queueing a pass")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := sharedlog.Init(cfg.Log.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := sharedlog.L(ctx).Named("repair")
	components, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize renewal engine: %v", err)
	}
	defer components.Close()

	if !*runNow {
		if err := components.Repair.ScheduleRepair(ctx); err != nil {
			log.Fatalf("Failed to schedule repair pass: %v", err)
		}
		fmt.Printf("Queued %s; the renewal worker will run it\n", components.Repair.JobName())
		return
	}

	result, err := components.Repair.Drain(ctx)
	if err != nil {
		logger.Error("Repair stopped early", zap.Error(err))
		_ = components.Close()
		os.Exit(1)
	}

	fmt.Printf("Processed %d of %d candidate subscriptions (%d failed)\n", result.Processed, result.Candidates, result.Failed)
}
