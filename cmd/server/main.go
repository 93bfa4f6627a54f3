package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/feichai0017/dataset-kitchen/api/handlers"
	"github.com/feichai0017/dataset-kitchen/api/routes"
	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/app"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "kitchen-server",
		Short:        "Serve the dataset kitchen HTTP API",
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
	log, err := app.LoggerFrom(c, "server")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, c, app.Local, log)
	if err != nil {
		log.Error("Failed to build engine", logger.Error(err))
		return err
	}
	defer a.Close()

	if c.Data.DropDir != "" {
		w := kitchen.NewDropWatcher(a.Engine, c.Data.DropDir, 2*time.Second, log)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error("Drop folder watcher stopped", logger.Error(err))
			}
		}()
	}

	if !c.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	h := handlers.NewHandlers(a.Engine, handlers.Options{
		MaxUploadBytes: c.Server.MaxUploadBytes,
		DefaultModel:   c.LLM.DefaultModel,
	}, log)
	routes.SetupRoutes(r, h, log)

	srv := &http.Server{
		Addr:    c.Server.Addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", logger.String("addr", c.Server.Addr), logger.String("mode", c.Server.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Error("Server error", logger.Error(err))
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
		return err
	}
	return nil
}
