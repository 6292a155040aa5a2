package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splice/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "splice",
		Usage: "Adapter injection and composition for pretrained transformers",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg := LoadConfig()
			applyLogConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			log := newLogger(os.Stderr, logFormat, level)
			return logger.WithContext(withConfig(ctx, cfg), log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			presetsCmd(),
			resolveCmd(),
			inspectCmd(),
			runCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
