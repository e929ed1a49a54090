package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/steward/internal/cmd/client"
	serverrun "github.com/rzbill/steward/internal/cmd/server"
	logpkg "github.com/rzbill/steward/pkg/log"
)

func main() {
	// CLI logger; the server replaces it from its config on start.
	level, err := logpkg.ParseLevel(os.Getenv("STEWARD_LOG_LEVEL"))
	if err != nil || os.Getenv("STEWARD_LOG_LEVEL") == "" {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:           "steward",
		Short:         "Steward actor runtime CLI",
		Long:          "Steward hosts one actor: fleet upgrades, reservation sagas and a durable retry outbox.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the steward server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := serverrun.LoadConfig(path)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.Storage.DataDir, _ = flags.GetString("data-dir")
			}
			if flags.Changed("actor") {
				cfg.Actor, _ = flags.GetString("actor")
			}
			if flags.Changed("grpc") {
				cfg.Server.GRPCAddr, _ = flags.GetString("grpc")
			}
			if flags.Changed("http") {
				cfg.Server.HTTPAddr, _ = flags.GetString("http")
			}
			if flags.Changed("log-level") {
				cfg.Log.Level, _ = flags.GetString("log-level")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().StringP("config", "c", os.Getenv("STEWARD_CONFIG"), "Config file (YAML or JSON)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("actor", "", "Actor name")
	serverStartCmd.Flags().String("grpc", ":7070", "gRPC listen address")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("STEWARD_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
