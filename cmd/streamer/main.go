package main

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/lithdew/udpstream"
	"github.com/lithdew/udpstream/cmd/internal/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func main() {
	defaults := udpstream.DefaultConfig().Streamer

	flags := append(app.Flags(),
		&cli.StringFlag{
			Name:    "dest",
			Aliases: []string{"d"},
			Usage:   "destination host:port",
			Value:   defaults.Destination,
			EnvVars: []string{app.EnvPrefix + "DEST"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Aliases: []string{"b"},
			Usage:   "local host:port to send from",
			Value:   defaults.Bind,
			EnvVars: []string{app.EnvPrefix + "STREAMER_BIND"},
		},
		&cli.IntFlag{
			Name:  "batch-size",
			Usage: "addresses per datagram",
			Value: defaults.BatchSize,
		},
		&cli.IntFlag{
			Name:  "burst-size",
			Usage: "batches sent between two throughput reports",
			Value: defaults.BurstSize,
		},
		&cli.IntFlag{
			Name:  "max-payload",
			Usage: "largest payload in bytes; batches that do not fit are split",
			Value: defaults.MaxPayloadSize,
		},
		&cli.IntFlag{
			Name:  "write-batch",
			Usage: "datagrams handed to the kernel per write call (ipv4 only)",
			Value: defaults.WriteBatch,
		},
		&cli.DurationFlag{
			Name:  "write-timeout",
			Usage: "deadline for each write, none if zero",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "seed for the address generator, clock-seeded if zero",
		},
	)

	a := &cli.App{
		Name:   "streamer",
		Usage:  "send bursts of random ipv4 addresses over udp and report throughput",
		Flags:  flags,
		Action: run,
	}

	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := app.LoadConfig(c)
	if err != nil {
		return err
	}

	sc := &cfg.Streamer
	if c.IsSet("dest") {
		sc.Destination = c.String("dest")
	}
	if c.IsSet("bind") {
		sc.Bind = c.String("bind")
	}
	if c.IsSet("batch-size") {
		sc.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("burst-size") {
		sc.BurstSize = c.Int("burst-size")
	}
	if c.IsSet("max-payload") {
		sc.MaxPayloadSize = c.Int("max-payload")
	}
	if c.IsSet("write-batch") {
		sc.WriteBatch = c.Int("write-batch")
	}
	if c.IsSet("write-timeout") {
		sc.WriteTimeout = c.Duration("write-timeout")
	}
	if c.IsSet("seed") {
		sc.Seed = c.Int64("seed")
	}

	logger := app.NewLogger(c, "streamer")

	addr, err := net.ResolveUDPAddr("udp", sc.Destination)
	if err != nil {
		return fmt.Errorf("failed to resolve destination %q: %w", sc.Destination, err)
	}

	conn, err := net.ListenPacket("udp", sc.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind %q: %w", sc.Bind, err)
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()

	opts := append(sc.Options(),
		udpstream.WithLogger(logger),
		udpstream.WithMetrics(udpstream.NewMetrics(reg)),
	)

	s, err := udpstream.NewStreamer(conn, addr, opts...)
	if err != nil {
		return err
	}

	logger.Info("Sending datagrams.", "from", s.Addr().String(), "to", addr.String())

	return app.Run(c, cfg, reg, logger, s.Run)
}
