// Command kitchenctl drives a dataset kitchen engine from the shell. It opens
// the same catalog the server uses; in queue mode jobs are dispatched to the
// workers instead of running in process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/app"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

type cli struct {
	configPath string
	logLevel   string
	app        *app.App
	log        logger.Logger
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "kitchenctl",
		Short:         "Manage datasets, augmentation jobs and model weights",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("KITCHEN_CONFIG"), "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		c.artifactsCmd(),
		c.ingestCmd(),
		c.seedCmd(),
		c.templatesCmd(),
		c.promptsCmd(),
		c.augmentCmd(),
		c.paraphraseCmd(),
		c.jobCmd(),
		c.lifecycleCmd(),
		c.modelsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		c.close()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func (c *cli) open(ctx context.Context) error {
	conf, err := cfg.Load(c.configPath)
	if err != nil {
		return err
	}
	// stdout carries command output
	conf.Log.OutputPaths = []string{"stderr"}
	conf.Log.Encoding = "console"
	conf.Log.Level = c.logLevel
	log, err := app.LoggerFrom(conf, "kitchenctl")
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, conf, app.Local, log)
	if err != nil {
		return err
	}
	c.app, c.log = a, log
	return nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	c.log.Sync()
	return err
}

// exitCode gives each error kind its own status so scripts can branch on it.
func exitCode(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return 2
	case models.KindNotFound:
		return 3
	case models.KindConsistency:
		return 4
	case models.KindUpstream:
		return 5
	case models.KindPartialFailure:
		return 6
	}
	return 1
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
