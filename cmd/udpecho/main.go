//go:build linux

// Command udpecho runs the UDP echo server and a probe client for it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/godzie44/udpecho"
	"github.com/godzie44/udpecho/config"
	"github.com/godzie44/udpecho/logger"
	"github.com/godzie44/udpecho/metrics"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "udpecho",
		Short: "Single-threaded UDP echo server",
		Long: `udpecho echoes every UDP datagram back to its sender.

Each worker drives one non-blocking socket with a readiness loop and
serves one datagram at a time, replies are at most 1472 bytes.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(probeCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}

type serveFlags struct {
	configPath  string
	address     string
	port        int
	workers     int
	notifier    string
	logLevel    string
	metricsAddr string
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			log := logger.New(logger.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Out:    cmd.ErrOrStderr(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()

			srv := udpecho.NewServer(cfg,
				udpecho.WithLogger(log),
				udpecho.WithMetrics(metrics.NewMetrics()),
			)

			log.Info().
				Str("instance", srv.ID().String()).
				Str("addr", cfg.UDPAddr().String()).
				Int("workers", cfg.Workers).
				Str("notifier", cfg.Notifier).
				Msg("starting")

			if err := srv.Serve(ctx); err != nil {
				return err
			}

			log.Info().Msg("stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "config file (.yaml, .yml, .toml or .ini)")
	cmd.Flags().StringVar(&flags.address, "address", config.DefaultAddress, "IPv4 address to listen on")
	cmd.Flags().IntVar(&flags.port, "port", config.DefaultPort, "UDP port to listen on, 0 picks a free port")
	cmd.Flags().IntVar(&flags.workers, "workers", 1, "number of echo loops sharing the port")
	cmd.Flags().StringVar(&flags.notifier, "notifier", config.NotifierEpoll, "readiness notifier (epoll or uring)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// loadConfig build configuration from file or defaults, explicitly set flags win over both.
func loadConfig(cmd *cobra.Command, flags serveFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
	} else {
		cfg = config.Default()
		if err = cfg.ApplyEnv(); err != nil {
			return nil, errors.Wrap(err, "apply environment")
		}
	}

	fs := cmd.Flags()
	if fs.Changed("address") {
		cfg.Address = flags.address
	}
	if fs.Changed("port") {
		cfg.Port = flags.port
	}
	if fs.Changed("workers") {
		cfg.Workers = flags.workers
	}
	if fs.Changed("notifier") {
		cfg.Notifier = flags.notifier
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "udpecho %s\n", Version)
		},
	}
}
