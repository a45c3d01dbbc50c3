package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/metrics"
	"github.com/overpass-net/overpass/server"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the public tunnel server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "Override the listening port",
			},
			&cli.StringFlag{
				Name:  "domain",
				Usage: "Override the tunnel domain",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "Serve Prometheus metrics on this address",
			},
		},
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	path, err := configPath(c)
	if err != nil {
		return err
	}
	cfg, err := config.ReadServerConfig(path)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port != 0 {
		cfg.Port = port
	}
	if domain := c.String("domain"); domain != "" {
		cfg.Domains = []config.DomainRule{{Domain: domain, BasePath: cfg.BasePath, Wildcard: true}}
	}
	if addr := c.String("metrics"); addr != "" {
		cfg.MetricsAddr = addr
	}

	log := createLogger(c, cfg.LogLevel, cfg.LogFile)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return errors.Wrap(err, "binding metrics listener")
		}
		shutdownC := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(shutdownC)
		}()
		go func() {
			if err := metrics.ServeMetrics(metricsListener, shutdownC, log); err != nil {
				log.Error().Msgf("Metrics server failed: %s", err)
			}
		}()
	}

	log.Info().Msgf("Starting overpass server %s", Version)
	return srv.Run(ctx)
}
