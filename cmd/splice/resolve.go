package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/splice/internal/adapters/config"
)

func resolveCmd() *cli.Command {
	var (
		format string
		fusion bool
		parsed bool
	)
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a preset, inline preset or config file into its full config",
		ArgsUsage: "<preset|path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "output format (json, yaml, toml)",
				Value:       "json",
				Destination: &format,
			},
			&cli.BoolFlag{
				Name:        "fusion",
				Usage:       "resolve a fusion config",
				Destination: &fusion,
			},
			&cli.BoolFlag{
				Name:        "parsed",
				Usage:       "print the typed config with every default filled in (json only)",
				Destination: &parsed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("resolve takes exactly one preset or path")
			}
			d, typed, err := resolveChecked(cmd.Args().First(), fusion)
			if err != nil {
				return err
			}
			if parsed {
				out, err := json.MarshalIndent(typed, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(out))
				return err
			}
			return writeDict(os.Stdout, d, format)
		},
	}
}

// resolveChecked resolves v, renames legacy keys and parses the result.
func resolveChecked(v string, fusion bool) (config.Dict, any, error) {
	if fusion {
		d, err := config.ResolveFusion(v)
		if err != nil {
			return nil, nil, err
		}
		f, err := config.ParseFusion(d)
		if err != nil {
			return nil, nil, err
		}
		return d, f, nil
	}
	d, err := config.Resolve(v)
	if err != nil {
		return nil, nil, err
	}
	if d, err = config.Normalize(d); err != nil {
		return nil, nil, err
	}
	c, err := config.Parse(d)
	if err != nil {
		return nil, nil, err
	}
	return d, c, nil
}

func writeDict(w io.Writer, d config.Dict, format string) error {
	var (
		out []byte
		err error
	)
	switch format {
	case "json":
		out, err = json.MarshalIndent(d, "", "  ")
		out = append(out, '\n')
	case "yaml", "yml":
		out, err = yaml.Marshal(map[string]any(d))
	case "toml":
		out, err = toml.Marshal(map[string]any(d))
	default:
		return fmt.Errorf("unknown format %q (want json, yaml or toml)", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
