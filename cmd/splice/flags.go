package main

import "github.com/urfave/cli/v3"

var (
	modelConfig string
	weightsPath string
	seed        int64
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-config",
			Aliases:     []string{"m"},
			Usage:       "path to a model config.json or a directory holding one",
			Required:    true,
			Destination: &modelConfig,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "safetensors checkpoint or directory holding model.safetensors (default: random weights)",
			Destination: &weightsPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for random weights and inputs",
			Value:       1,
			Destination: &seed,
		},
	}
}

func adapterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "adapter",
			Aliases: []string{"a"},
			Usage:   "add an adapter as name=config, where config is a preset, inline preset or file (repeatable)",
		},
		&cli.StringSliceFlag{
			Name:  "load",
			Usage: "load a saved adapter directory (repeatable)",
		},
		&cli.StringSliceFlag{
			Name:  "fusion",
			Usage: "add a fusion over comma-separated adapters (repeatable)",
		},
		&cli.StringFlag{
			Name:  "active",
			Usage: `active composition, e.g. "Stack(a, Fuse(b, c))"`,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
