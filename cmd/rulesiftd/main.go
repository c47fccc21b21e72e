// Command rulesiftd serves rule evaluation over HTTP and gRPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/rulesift/rulesift/adapters/amqp"
	_ "github.com/rulesift/rulesift/adapters/files"
	_ "github.com/rulesift/rulesift/adapters/http"
	_ "github.com/rulesift/rulesift/adapters/kafka"
	_ "github.com/rulesift/rulesift/adapters/s3"
	_ "github.com/rulesift/rulesift/adapters/sql"
	"github.com/rulesift/rulesift/internal/config"
	"github.com/rulesift/rulesift/internal/logging"
)

// app carries state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	config     *config.Config
	logger     *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "rulesiftd",
		Short: "Rule evaluation service",
		Long: `rulesiftd evaluates AND/OR rule expressions against user records and
manages stored rule text.

Configuration is read from --config (YAML or JSON), then DB_HOST, DB_NAME,
DB_USER, DB_PASSWORD and DB_PORT, then explicitly set flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to YAML/JSON config file")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newEvalCommand(a))

	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	handler, err := logging.CreateHandlerWithStrings(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create log handler: %w", err)
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)
	a.config = cfg

	a.logger.Debug("configuration loaded",
		slog.String("path", a.configPath),
		slog.String("records", cfg.Records.Type),
		slog.String("rules", cfg.Rules.Store),
	)
	return nil
}
