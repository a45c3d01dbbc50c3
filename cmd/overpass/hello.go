package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v2"

	"github.com/overpass-net/overpass/hello"
)

func helloCommand() *cli.Command {
	return &cli.Command{
		Name:   "hello",
		Usage:  "Run a local test origin to smoke-test a tunnel",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listen on this port",
				Value: 8080,
			},
		},
		Action: runHello,
	}
}

func runHello(c *cli.Context) error {
	log := createLogger(c, "info", "")

	listener, err := hello.CreateServer(fmt.Sprintf("127.0.0.1:%d", c.Int("port")))
	if err != nil {
		return err
	}

	shutdownC := make(chan struct{})
	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
		<-sigC
		close(shutdownC)
	}()
	return hello.StartServer(listener, shutdownC, log)
}
