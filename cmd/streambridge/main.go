package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/streambridge/streambridge/bridge"
)

func main() {
	app := &cli.App{
		Name:  "streambridge",
		Usage: "local bridge that multiplexes sandboxed clients onto the streaming platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The loopback address for the channel server to listen on.",
				Value: bridge.DefaultListenAddr,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.IntFlag{
				Name:  "frame-limit",
				Usage: "Channel frame size in bytes above which responses divert through the payload relay.",
				Value: bridge.DefaultFrameLimit,
			},
			&cli.StringFlag{
				Name:  "relay-ttl",
				Usage: "Duration an unfetched relayed payload stays available.",
				Value: bridge.DefaultRelayTTL.String(),
			},
		},
		Action: func(ctx *cli.Context) error {
			listenAddr := ctx.String("listen-addr")
			logLevelStr := ctx.String("log-level")
			frameLimit := ctx.Int("frame-limit")
			relayTTLStr := ctx.String("relay-ttl")

			logLevel, err := zapcore.ParseLevel(logLevelStr)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			relayTTL, err := time.ParseDuration(relayTTLStr)
			if err != nil {
				return fmt.Errorf("parsing relay TTL: %w", err)
			}
			if frameLimit <= 0 {
				return fmt.Errorf("frame limit must be positive")
			}

			b, err := bridge.New(
				bridge.WithLogLevel(logLevel),
				bridge.WithListenAddr(listenAddr),
				bridge.WithFrameLimit(frameLimit),
				bridge.WithRelayTTL(relayTTL),
			)
			if err != nil {
				return fmt.Errorf("building bridge: %w", err)
			}

			return b.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
