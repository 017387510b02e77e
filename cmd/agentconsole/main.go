// Command agentconsole runs the Agent Console server: a local control
// plane for long-running AI coding agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/logging"
	"github.com/agentconsole/agentconsole/server"
)

var version = "dev"

var (
	cfgFile  string
	addr     string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:     "agentconsole",
	Short:   "Local control plane for AI coding agent sessions",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Agent Console server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if addr != "" {
			cfg.Addr = addr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
			logging.SetLevel(level)
		}

		srv, err := server.NewServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Serve(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"YAML config file (when unset, no file is read)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	logging.Setup()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
