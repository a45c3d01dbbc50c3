package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/overpass-net/overpass/agent"
	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/tunnel"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:      "agent",
		Usage:     "Connect local services to a tunnel server",
		UsageText: "overpass agent [options] [protocol://localhost:port ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Control endpoint URL, e.g. wss://example.com",
				EnvVars: []string{"OVERPASS_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Authentication token",
				EnvVars: []string{"OVERPASS_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "Skip TLS certificate verification",
			},
		},
		Action: runAgent,
	}
}

func runAgent(c *cli.Context) error {
	cfg, err := agentConfig(c)
	if err != nil {
		return err
	}
	log := createLogger(c, cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msgf("Starting overpass agent %s", Version)
	err = agent.New(cfg, log).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// agentConfig builds the agent configuration from the config file, command
// line tunnels, or both. Ad-hoc tunnels on the command line make the config
// file optional.
func agentConfig(c *cli.Context) (*config.AgentConfig, error) {
	var cfg *config.AgentConfig

	if path := c.String("config"); path != "" {
		loaded, err := config.ReadAgentConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if path := config.FindDefaultConfigPath(); path != "" && c.NArg() == 0 {
		loaded, err := config.ReadAgentConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.AgentConfig{}
	}

	for _, arg := range c.Args().Slice() {
		tc, err := parseTunnelArg(arg)
		if err != nil {
			return nil, err
		}
		cfg.Tunnels = append(cfg.Tunnels, tc)
	}

	if server := c.String("server"); server != "" {
		cfg.ServerURL = server
	}
	if token := c.String("token"); token != "" {
		cfg.Token = token
	}
	if c.Bool("insecure") {
		v := false
		cfg.RejectUnauthorized = &v
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseTunnelArg understands the shorthand forms 8080, host:8080 and
// protocol://host:8080.
func parseTunnelArg(arg string) (tunnel.Config, error) {
	tc := tunnel.Config{Protocol: tunnel.HTTP, LocalHost: "127.0.0.1"}

	rest := arg
	if scheme, after, found := strings.Cut(arg, "://"); found {
		tc.Protocol = tunnel.Protocol(scheme)
		if !tc.Protocol.Valid() {
			return tc, errors.Errorf("unknown protocol %q in %q", scheme, arg)
		}
		rest = after
	}
	if host, portStr, found := strings.Cut(rest, ":"); found {
		if host != "" {
			tc.LocalHost = host
		}
		rest = portStr
	}
	port, err := strconv.Atoi(rest)
	if err != nil || port < 1 || port > 65535 {
		return tc, errors.Errorf("invalid local port in %q", arg)
	}
	tc.LocalPort = port
	return tc, nil
}
