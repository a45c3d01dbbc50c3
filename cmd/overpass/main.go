package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"

	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/logger"
	"github.com/overpass-net/overpass/server"
)

var (
	Version   = "DEV"
	BuildTime = "unknown"
)

func main() {
	server.Version = Version

	app := &cli.App{
		Name:      "overpass",
		Usage:     "Self-hosted reverse tunnels for your own domain",
		UsageText: "overpass [global options] command [command options]",
		Version:   fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Copyright: fmt.Sprintf("(c) %d the overpass authors", time.Now().Year()),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"OVERPASS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write logs to this file",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored console output",
			},
		},
		Commands: []*cli.Command{
			serverCommand(),
			agentCommand(),
			helloCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "overpass: %s\n", err)
		os.Exit(1)
	}
}

// configPath resolves --config, falling back to the conventional locations.
func configPath(c *cli.Context) (string, error) {
	if path := c.String("config"); path != "" {
		return path, nil
	}
	if path := config.FindDefaultConfigPath(); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no config file found; pass --config or create %s in %s",
		config.DefaultConfigFiles[0], "~/.overpass or /etc/overpass")
}

// createLogger builds the process logger; flags override config values.
func createLogger(c *cli.Context, level, file string) *zerolog.Logger {
	if flagLevel := c.String("log-level"); flagLevel != "" {
		level = flagLevel
	}
	if flagFile := c.String("log-file"); flagFile != "" {
		file = flagFile
	}
	return logger.Create(logger.Options{
		Level:   level,
		File:    file,
		NoColor: c.Bool("no-color"),
	})
}
