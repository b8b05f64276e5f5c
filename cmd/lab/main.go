package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m2tx/portfolio_lab/internal/app"
	"github.com/m2tx/portfolio_lab/internal/config"
	"github.com/m2tx/portfolio_lab/internal/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "lab",
		Short:         "Talk to the portfolio lab models from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	root.AddCommand(chatCmd())
	root.AddCommand(architectCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(mapsCmd())
	root.AddCommand(imageCmd())
	root.AddCommand(configCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	// Keep stdout for answers; the CLI only logs warnings unless asked otherwise.
	logCfg := cfg.Log
	if logCfg.File == "" && logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger, err := logging.Init(logCfg)
	if err != nil {
		logger.Warn("log_file_unavailable", "file", logCfg.File, "error", err)
	}
	return cfg, logger, nil
}

// withApp builds the shared dependencies for one command and releases them
// once fn returns.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	return fn(a)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	})
	return cmd
}
