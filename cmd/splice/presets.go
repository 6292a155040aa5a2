package main

import (
	"context"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splice/internal/adapters/config"
)

func presetsCmd() *cli.Command {
	var fusion bool
	return &cli.Command{
		Name:  "presets",
		Usage: "List adapter config presets",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "fusion",
				Usage:       "list fusion presets instead",
				Destination: &fusion,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			names := config.Presets()
			resolve := config.Resolve
			if fusion {
				names = config.FusionPresets()
				resolve = config.ResolveFusion
			}
			table := newTable(os.Stdout, "NAME", "CONFIG")
			for _, name := range names {
				d, err := resolve(name)
				if err != nil {
					return err
				}
				raw, err := json.Marshal(d)
				if err != nil {
					return err
				}
				table.Append([]string{name, string(raw)})
			}
			table.Render()
			return nil
		},
	}
}
