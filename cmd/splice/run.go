package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/arch"
	"github.com/samcharles93/splice/internal/logger"
	"github.com/samcharles93/splice/internal/model"
	"github.com/samcharles93/splice/internal/tensor"
)

func runCmd() *cli.Command {
	var (
		ids         string
		batch       int64
		seqLen      int64
		merge       string
		saveDir     string
		showGating  bool
		showFusion  bool
		jsonOut     bool
		showSummary bool
		compare     bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Build a model, add adapters and run one forward pass",
		Flags: append(append(commonModelFlags(), adapterFlags()...),
			&cli.StringFlag{
				Name:        "ids",
				Usage:       `token ids, sequences separated by ";" (default: random)`,
				Destination: &ids,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "batch size of random inputs",
				Value:       2,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "seq-len",
				Usage:       "sequence length of random inputs",
				Value:       8,
				Destination: &seqLen,
			},
			&cli.StringFlag{
				Name:        "merge",
				Usage:       "merge this LoRA adapter into the base weights before the pass",
				Destination: &merge,
			},
			&cli.StringFlag{
				Name:        "save-dir",
				Usage:       "save every adapter under this directory after the pass",
				Destination: &saveDir,
			},
			&cli.BoolFlag{
				Name:        "gating",
				Usage:       "print gating scores",
				Destination: &showGating,
			},
			&cli.BoolFlag{
				Name:        "fusion-weights",
				Usage:       "print mean fusion attention weights",
				Destination: &showFusion,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the hidden states as JSON",
				Destination: &jsonOut,
			},
			&cli.BoolFlag{
				Name:        "summary",
				Usage:       "print the adapter summary table",
				Value:       true,
				Destination: &showSummary,
			},
			&cli.BoolFlag{
				Name:        "compare",
				Usage:       "also run without adapters and report the difference",
				Destination: &compare,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, configFrom(ctx))

			m, err := loadModel(ctx)
			if err != nil {
				return err
			}
			h := m.Host
			if err := setupAdapters(ctx, cmd, h); err != nil {
				return err
			}
			if merge != "" {
				if err := h.MergeLoRA(merge); err != nil {
					return err
				}
			}

			in := randomInput(m.Base, int(batch), int(seqLen), seed)
			if ids != "" {
				parsed, err := parseIDs(ids)
				if err != nil {
					return err
				}
				in = model.Input{IDs: parsed}
				if m.Base.Decoder != nil {
					in.DecoderIDs = parsed
				}
			}

			start := time.Now()
			out, err := m.Forward(in, adapters.ForwardOptions{
				OutputGating: showGating,
				OutputFusion: showFusion,
			})
			if err != nil {
				return err
			}
			log.Debug("forward done", "duration", time.Since(start))

			if jsonOut {
				return writeHiddenJSON(os.Stdout, out.Hidden)
			}
			if showSummary {
				if err := adapters.WriteSummary(os.Stdout, h.AdapterSummary()); err != nil {
					return err
				}
				fmt.Println()
			}
			printOutput(os.Stdout, m, out)
			if showGating {
				printGating(os.Stdout, out.Capture)
			}
			if showFusion {
				printFusion(os.Stdout, out.Capture)
			}
			if compare {
				if err := printComparison(os.Stdout, m, in, out); err != nil {
					return err
				}
			}
			if saveDir != "" {
				for _, name := range h.Registry().Names() {
					dir := filepath.Join(saveDir, name)
					if err := h.SaveAdapter(dir, name); err != nil {
						return err
					}
					log.Info("adapter saved", "name", name, "dir", dir)
				}
			}
			return nil
		},
	}
}

func printOutput(w io.Writer, m *arch.Model, out *arch.Output) {
	active := "none"
	if b := m.Host.Active(); b != nil {
		active = b.String()
	}
	mean, std := moments(out.Hidden.Data)
	fmt.Fprintf(w, "model:    %s (%s weights)\n", m.Spec.Name, m.Weights())
	fmt.Fprintf(w, "active:   %s\n", active)
	if merged := m.Host.Merged(); merged != "" {
		fmt.Fprintf(w, "merged:   %s\n", merged)
	}
	fmt.Fprintf(w, "hidden:   [%d %d %d] mean=%.6f std=%.6f\n", out.Hidden.B, out.Hidden.T, out.Hidden.D, mean, std)
	if !out.Encoder.Empty() {
		fmt.Fprintf(w, "encoder:  [%d %d %d]\n", out.Encoder.B, out.Encoder.T, out.Encoder.D)
	}
	if out.Capture.Channels > 1 {
		fmt.Fprintf(w, "channels: %d\n", out.Capture.Channels)
	}
}

func sortedKeys[V any](m map[adapters.ScoreKey]V) []adapters.ScoreKey {
	keys := make([]adapters.ScoreKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b adapters.ScoreKey) int {
		if a.Layer != b.Layer {
			return a.Layer - b.Layer
		}
		if a.Location != b.Location {
			return int(a.Location) - int(b.Location)
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return keys
}

func printGating(w io.Writer, c *adapters.Capture) {
	fmt.Fprintln(w)
	table := newTable(w, "LAYER", "LOCATION", "ADAPTER", "GATE")
	for _, k := range sortedKeys(c.Gating) {
		table.Append([]string{strconv.Itoa(k.Layer), k.Location.String(), k.Name, fmt.Sprintf("%.4f", c.Gating[k])})
	}
	table.Render()
}

func printFusion(w io.Writer, c *adapters.Capture) {
	fmt.Fprintln(w)
	table := newTable(w, "LAYER", "LOCATION", "FUSION", "MEAN WEIGHTS")
	for _, k := range sortedKeys(c.Fusion) {
		table.Append([]string{strconv.Itoa(k.Layer), k.Location.String(), k.Name, fmt.Sprintf("%.4f", meanWeights(c.Fusion[k]))})
	}
	table.Render()
}

// meanWeights averages fusion weights over batch and time.
func meanWeights(x tensor.Batch) []float32 {
	out := make([]float32, x.D)
	rows := x.Rows()
	if rows == 0 {
		return out
	}
	for i := 0; i < rows; i++ {
		tensor.Add(out, x.FlatRow(i))
	}
	tensor.Scale(out, 1/float32(rows))
	return out
}

func printComparison(w io.Writer, m *arch.Model, in model.Input, out *arch.Output) error {
	prev := m.Host.Active()
	m.Host.Deactivate()
	defer func() { _ = m.Host.SetActive(prev) }()
	base, err := m.Forward(in, adapters.ForwardOptions{})
	if err != nil {
		return err
	}
	if out.Capture.Channels > 1 {
		base.Hidden = base.Hidden.Repeat(out.Capture.Channels)
	}
	fmt.Fprintf(w, "\nmax |adapters - base|: %.6g\n", tensor.MaxAbsDiff(out.Hidden, base.Hidden))
	return nil
}

func moments(x []float32) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	var sum, sq float64
	for _, v := range x {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(x))
	mean := sum / n
	return mean, math.Sqrt(max(sq/n-mean*mean, 0))
}

func writeHiddenJSON(w io.Writer, x tensor.Batch) error {
	doc := struct {
		Shape  []int       `json:"shape"`
		Hidden [][]float32 `json:"hidden"`
	}{Shape: []int{x.B, x.T, x.D}}
	for i := 0; i < x.Rows(); i++ {
		doc.Hidden = append(doc.Hidden, x.FlatRow(i))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
