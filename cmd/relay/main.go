// Command relay runs the chat delivery relay: an HTTP gateway (serve) and
// one-shot client commands (send, history, sessions) that talk to the chat
// backend directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-relay/internal/config"
	"github.com/tbourn/go-chat-relay/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownSignals cancel the command context: serve drains and exits, send
// cancels its submission and exits with exitCanceled.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

var (
	envFile  string
	logLevel string
	pretty   bool

	cfg config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Resilient message delivery relay for a chat backend",
		Long: `relay delivers chat messages to a backend over a streaming, synchronous or
queued transport, falling back to the job queue when the primary transport
fails before any reply text was seen.

Configuration is read from the environment (and an optional .env file).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-friendly console logs (overrides LOG_PRETTY)")

	root.AddCommand(newServeCmd(), newSendCmd(), newHistoryCmd(), newSessionsCmd(), newVersionCmd())
	return root
}

// setup loads the dotenv file and configuration and installs the root logger.
func setup(cmd *cobra.Command) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	c, err := config.Load()
	if err != nil {
		return err
	}
	cfg = c

	level := sysutil.FirstNonEmpty(logLevel, cfg.LogLevel)
	usePretty := cfg.LogPretty
	if cmd.Flags().Changed("pretty") {
		usePretty = pretty
	}
	sysutil.ConfigureLogging(cmd.ErrOrStderr(), level, usePretty, cfg.OTEL.ServiceName)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		// No configuration needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("relay failed")
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
