package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"printfarm/server/logger"
	"printfarm/server/printer"
	"printfarm/server/scheduler"
	"printfarm/server/storage"
	"printfarm/server/twin"
	"printfarm/server/worker"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML configuration file")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	flag.Parse()

	if *serviceCmd != "" {
		handleServiceCommand(*serviceCmd, *configPath)
		return
	}

	if !service.Interactive() {
		runAsService(*configPath)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	if err := runServer(ctx, *configPath); err != nil {
		log.Fatal(err)
	}
}

// runServer assembles the full server and blocks until ctx is cancelled or
// the HTTP listener fails.
func runServer(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logLog := logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Dir, 1000)
	logLog.Info("Server starting", "version", Version, "build", BuildTime, "commit", GitCommit)

	store, err := storage.NewStore(cfg.Server.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	tw := twin.New(cfg.Opcua.ServerURL, cfg.Opcua.Namespace)

	factory := printer.NewFactory(printer.MockConfig{
		Interval:     cfg.MockInterval(),
		JobTime:      cfg.Mock.JobTime,
		BedTarget:    cfg.Mock.TargetBedTemperature,
		NozzleTarget: cfg.Mock.TargetNozzle,
	})

	manager := worker.NewManager(store, factory, tw, worker.Config{
		Interval:           cfg.PrinterWorkerInterval(),
		StartTimeTolerance: cfg.StartTimeTolerance(),
	}, logLog)

	sched := scheduler.New(store, manager, cfg.SchedulerInterval(), logLog)

	srv := NewServer(cfg, logLog, store, tw, manager, sched)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logLog.Error("Server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logLog.Info("Server stopped")
	logLog.Close()
	return nil
}
