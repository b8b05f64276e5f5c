package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m2tx/portfolio_lab/internal/app"
	"github.com/m2tx/portfolio_lab/internal/config"
	"github.com/m2tx/portfolio_lab/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "portfolio-server",
		Short:         "Serve the portfolio lab API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.Init(cfg.Log)
	if err != nil {
		logger.Warn("log_file_unavailable", "file", cfg.Log.File, "error", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			logger.Error("missing_api_key", "error", err)
		}
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	if err := a.Serve(ctx); err != nil {
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}
