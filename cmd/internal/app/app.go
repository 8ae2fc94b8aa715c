// Package app holds the process bootstrap shared by the streamer and receiver binaries.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/lithdew/udpstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const EnvPrefix = "UDPSTREAM_"

// Flags are accepted by both binaries.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML config file",
			EnvVars: []string{EnvPrefix + "CONFIG"},
		},
		&cli.StringFlag{
			Name:    "metrics",
			Usage:   "listen address serving /metrics, disabled if empty",
			EnvVars: []string{EnvPrefix + "METRICS"},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug logging",
			EnvVars: []string{EnvPrefix + "VERBOSE"},
		},
	}
}

// LoadConfig reads --config if given, then applies --metrics on top of it.
func LoadConfig(c *cli.Context) (udpstream.Config, error) {
	cfg := udpstream.DefaultConfig()

	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = udpstream.LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	if c.IsSet("metrics") {
		cfg.Metrics = c.String("metrics")
	}

	return cfg, nil
}

func NewLogger(c *cli.Context, name string) logr.Logger {
	if c.Bool("verbose") {
		stdr.SetVerbosity(1)
	}
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName(name)
}

// Run executes loop until SIGINT or SIGTERM, serving metrics from reg alongside it when
// cfg.Metrics is set. systemd is told when the process is ready and when it is stopping.
func Run(c *cli.Context, cfg udpstream.Config, reg *prometheus.Registry, logger logr.Logger, loop func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics != "" {
		ln, err := net.Listen("tcp", cfg.Metrics)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		logger.Info("Serving metrics.", "addr", ln.Addr().String())
		g.Go(func() error { return udpstream.ServeMetrics(ctx, ln, reg) })
	}

	g.Go(func() error { return loop(ctx) })

	notify(logger, daemon.SdNotifyReady)
	defer notify(logger, daemon.SdNotifyStopping)

	return g.Wait()
}

func notify(logger logr.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Error(err, "Failed to notify systemd.", "state", state)
	}
}
