package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/app"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/worker"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "kitchen-worker",
		Short:        "Run queued augmentation jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("KITCHEN_CONFIG"), "config file (yaml, toml or json)")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	c, err := cfg.Load(configPath)
	if err != nil {
		return err
	}
	log, err := app.LoggerFrom(c, "worker")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, c, app.Consumer, log)
	if err != nil {
		log.Error("Failed to build engine", logger.Error(err))
		return err
	}
	defer a.Close()

	var w worker.Worker = worker.NewAugmentWorker(c.Queue, a.Engine, log)
	log.Info("Worker starting", logger.String("redis", c.Queue.RedisAddr), logger.Int("concurrency", c.Queue.Concurrency))
	// the worker is stopped below so in-flight tasks finish before exit
	if err := w.Start(context.Background()); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down worker...")
	w.Stop()
	log.Info("Worker stopped")
	return nil
}
