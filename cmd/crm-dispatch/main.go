package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/a-essam23/crm-dispatch/internal/server"
	"github.com/a-essam23/crm-dispatch/pkg/config"
	"github.com/a-essam23/crm-dispatch/pkg/logging"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "crm-dispatch",
		Short: "Real-time connection and broadcast service for the CRM",
		Long: `crm-dispatch accepts authenticated websocket connections, partitions them
by workspace, tracks presence and fans workspace events out to connected users.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		configFile string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLogger := logging.New(logging.ParseLevel(logLevel))
			cfg, err := config.Load(bootLogger, configFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			level := cfg.Log.Level
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			logger := logging.NewWithFormat(os.Stdout, logging.ParseLevel(level), cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app := server.NewApp(logger, ctx, cfg)
			if err := app.Run(); err != nil {
				return fmt.Errorf("application run failed: %w", err)
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config", "config name in the working directory, or path to a yaml file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error); overrides log.level")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
