package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/arch"
	"github.com/samcharles93/splice/internal/logger"
	"github.com/samcharles93/splice/internal/model"
	"github.com/samcharles93/splice/internal/tensor"
)

// loadModel reads the model config named by --model-config and builds the
// host model with its adapter Host.
func loadModel(ctx context.Context) (*arch.Model, error) {
	path := modelConfig
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, "config.json")
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	opts := []arch.Option{
		arch.WithLogger(logger.FromContext(ctx)),
		arch.WithSeed(seed),
	}
	if weightsPath != "" {
		opts = append(opts, arch.WithWeights(weightsPath))
	}
	return arch.New(cfg, opts...)
}

// parseAdapterSpec splits "name=config". A bare name takes the default
// preset, or the adapter type's default config when none is configured.
func parseAdapterSpec(s, defaultPreset string) (string, any, error) {
	name, cfg, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("adapter %q: empty name", s)
	}
	if !ok || strings.TrimSpace(cfg) == "" {
		if defaultPreset == "" {
			return name, nil, nil
		}
		return name, defaultPreset, nil
	}
	return name, strings.TrimSpace(cfg), nil
}

// setupAdapters applies the adapter flags of cmd to h: loads, then adds,
// then fusions, then the active program.
func setupAdapters(ctx context.Context, cmd *cli.Command, h *adapters.Host) error {
	cfg := configFrom(ctx)
	if dirs := cmd.StringSlice("load"); len(dirs) > 0 {
		if _, err := h.LoadAdapters(ctx, dirs...); err != nil {
			return err
		}
	}
	for _, spec := range cmd.StringSlice("adapter") {
		name, c, err := parseAdapterSpec(spec, cfg.DefaultPreset)
		if err != nil {
			return err
		}
		if err := h.AddAdapter(name, c); err != nil {
			return err
		}
	}
	for _, f := range cmd.StringSlice("fusion") {
		if err := h.AddFusion(splitNames(f), nil); err != nil {
			return err
		}
	}
	if active := cmd.String("active"); active != "" {
		return h.SetActive(active)
	}
	return nil
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseIDs reads "1,2,3;4,5,6" as two sequences.
func parseIDs(s string) ([][]int, error) {
	var out [][]int
	for _, seq := range strings.Split(s, ";") {
		var ids []int
		for _, tok := range strings.Split(seq, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			id, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("token id %q: %w", tok, err)
			}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			out = append(out, ids)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	return out, nil
}

// randomInput draws a batch matching the model's input kind.
func randomInput(m *model.Model, batch, seqLen int, seed int64) model.Input {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	cfg := m.Config
	switch m.Layout.Input {
	case model.PatchInput:
		return model.Input{Features: randomBatch(rng, batch, cfg.NumPatches(), cfg.PatchDim())}
	case model.FrameInput:
		return model.Input{Features: randomBatch(rng, batch, seqLen, cfg.FrameDim())}
	}
	ids := func(n int) [][]int {
		out := make([][]int, batch)
		for i := range out {
			out[i] = make([]int, n)
			for j := range out[i] {
				out[i][j] = rng.IntN(cfg.VocabSize)
			}
		}
		return out
	}
	in := model.Input{IDs: ids(seqLen)}
	if m.Decoder != nil {
		in.DecoderIDs = ids(seqLen)
	}
	return in
}

func randomBatch(rng *rand.Rand, b, t, d int) tensor.Batch {
	x := tensor.NewBatch(b, t, d)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}
