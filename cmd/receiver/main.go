package main

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/lithdew/udpstream"
	"github.com/lithdew/udpstream/cmd/internal/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func main() {
	defaults := udpstream.DefaultConfig().Receiver

	flags := append(app.Flags(),
		&cli.StringFlag{
			Name:    "bind",
			Aliases: []string{"b"},
			Usage:   "host:port to receive on",
			Value:   defaults.Bind,
			EnvVars: []string{app.EnvPrefix + "BIND"},
		},
		&cli.IntFlag{
			Name:  "read-buffer",
			Usage: "largest datagram read in bytes; longer ones are truncated",
			Value: defaults.ReadBufferSize,
		},
		&cli.DurationFlag{
			Name:  "read-timeout",
			Usage: "deadline for each read, none if zero",
		},
		&cli.BoolFlag{
			Name:  "dump",
			Usage: "print a hex dump of every payload",
		},
	)

	a := &cli.App{
		Name:   "receiver",
		Usage:  "print the sender and payload of every udp datagram received",
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

	rc := &cfg.Receiver
	if c.IsSet("bind") {
		rc.Bind = c.String("bind")
	}
	if c.IsSet("read-buffer") {
		rc.ReadBufferSize = c.Int("read-buffer")
	}
	if c.IsSet("read-timeout") {
		rc.ReadTimeout = c.Duration("read-timeout")
	}
	if c.IsSet("dump") {
		rc.Dump = c.Bool("dump")
	}

	logger := app.NewLogger(c, "receiver")

	conn, err := net.ListenPacket("udp", rc.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind %q: %w", rc.Bind, err)
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()

	opts := append(rc.Options(),
		udpstream.WithLogger(logger),
		udpstream.WithMetrics(udpstream.NewMetrics(reg)),
	)

	if rc.Dump {
		opts = append(opts, udpstream.WithHandler(func(addr net.Addr, buf []byte) {
			fmt.Printf("Got data from: %s\n%s", addr, spew.Sdump(buf))
		}))
	}

	r := udpstream.NewReceiver(conn, opts...)

	logger.Info("Listening for datagrams.", "addr", r.Addr().String())

	return app.Run(c, cfg, reg, logger, r.Listen)
}
