package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var showTensors bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a saved adapter directory",
		ArgsUsage: "<adapter-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "tensors",
				Aliases:     []string{"t"},
				Usage:       "list every tensor",
				Destination: &showTensors,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("inspect takes exactly one adapter directory")
			}
			return inspectAdapter(os.Stdout, cmd.Args().First(), showTensors)
		},
	}
}

func inspectAdapter(w io.Writer, dir string, showTensors bool) error {
	meta, err := adapters.ReadAdapter(dir)
	if err != nil {
		return err
	}
	st, err := safetensors.Open(filepath.Join(dir, adapters.AdapterWeightsFile))
	if err != nil {
		return err
	}

	names := st.Names()
	total := 0
	for _, name := range names {
		info, _ := st.Tensor(name)
		total += numel(info.Shape)
	}

	fmt.Fprintf(w, "name:        %s\n", meta.Name)
	fmt.Fprintf(w, "type:        %s\n", meta.Type)
	fmt.Fprintf(w, "kind:        %s\n", meta.Kind)
	if len(meta.Kinds) > 1 {
		fmt.Fprintf(w, "kinds:       %v\n", meta.Kinds)
	}
	fmt.Fprintf(w, "model type:  %s\n", meta.ModelType)
	fmt.Fprintf(w, "hidden size: %d\n", meta.HiddenSize)
	fmt.Fprintf(w, "layers:      %d\n", meta.NumLayers)
	if meta.AdapterID != "" {
		fmt.Fprintf(w, "adapter id:  %s\n", meta.AdapterID)
	}
	if meta.Version != "" {
		fmt.Fprintf(w, "version:     %s\n", meta.Version)
	}
	fmt.Fprintf(w, "config:      %s\n", meta.Config)
	fmt.Fprintf(w, "tensors:     %d (%d params)\n", len(names), total)

	if !showTensors {
		return nil
	}
	fmt.Fprintln(w)
	table := newTable(w, "TENSOR", "DTYPE", "SHAPE")
	for _, name := range names {
		info, _ := st.Tensor(name)
		table.Append([]string{name, info.DType, fmt.Sprint(info.Shape)})
	}
	table.Render()
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
