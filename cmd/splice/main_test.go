package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/arch"
	"github.com/samcharles93/splice/internal/model"
)

func TestParseAdapterSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		preset   string
		wantName string
		wantCfg  any
		wantErr  bool
	}{
		{in: "a=pfeiffer", wantName: "a", wantCfg: "pfeiffer"},
		{in: " a = lora[r=4] ", wantName: "a", wantCfg: "lora[r=4]"},
		{in: "a=./cfg/a.yaml", wantName: "a", wantCfg: "./cfg/a.yaml"},
		{in: "a", wantName: "a", wantCfg: nil},
		{in: "a", preset: "houlsby", wantName: "a", wantCfg: "houlsby"},
		{in: "a=", preset: "houlsby", wantName: "a", wantCfg: "houlsby"},
		{in: "=pfeiffer", wantErr: true},
	}
	for _, tt := range tests {
		name, cfg, err := parseAdapterSpec(tt.in, tt.preset)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseAdapterSpec(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseAdapterSpec(%q) error = %v", tt.in, err)
		}
		if name != tt.wantName || cfg != tt.wantCfg {
			t.Fatalf("parseAdapterSpec(%q) = %q, %v; want %q, %v", tt.in, name, cfg, tt.wantName, tt.wantCfg)
		}
	}
}

func TestParseIDs(t *testing.T) {
	t.Parallel()

	got, err := parseIDs("1, 2,3; 4,5,6;")
	if err != nil {
		t.Fatalf("parseIDs() error = %v", err)
	}
	if want := [][]int{{1, 2, 3}, {4, 5, 6}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("parseIDs() = %v, want %v", got, want)
	}
	for _, bad := range []string{"", ";", "1,x"} {
		if _, err := parseIDs(bad); err == nil {
			t.Fatalf("parseIDs(%q) expected error", bad)
		}
	}
}

func TestSplitNames(t *testing.T) {
	t.Parallel()

	if got, want := splitNames(" a, b,,c "), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("splitNames() = %v, want %v", got, want)
	}
}

func TestReadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "adapters_dir: /srv/adapters\ndefault_preset: houlsby\nseed: 7\nlog_format: json\nserver_address: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := readConfig(path)
	if err != nil {
		t.Fatalf("readConfig() error = %v", err)
	}
	if cfg.AdaptersDir != "/srv/adapters" || cfg.DefaultPreset != "houlsby" || cfg.LogFormat != "json" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("readConfig() = %+v", cfg)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 {
		t.Fatalf("seed = %v, want 7", cfg.Seed)
	}
	if _, err := readConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("readConfig() of a missing file succeeded")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"auto", "text", "json", "pretty"} {
		f, err := os.CreateTemp(t.TempDir(), "log")
		if err != nil {
			t.Fatalf("CreateTemp: %v", err)
		}
		newLogger(f, format, "info").Info("hello", "k", "v")
		_ = f.Close()
		data, err := os.ReadFile(f.Name())
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		out := string(data)
		if !strings.Contains(out, "hello") {
			t.Fatalf("%s: log output %q", format, out)
		}
		if format == "json" && !strings.HasPrefix(out, "{") {
			t.Fatalf("json log output %q", out)
		}
		if format == "auto" && !strings.Contains(out, "msg=hello") {
			t.Fatalf("auto on a file should log text, got %q", out)
		}
	}
}

func TestResolveFormats(t *testing.T) {
	t.Parallel()

	d, typed, err := resolveChecked("pfeiffer[reduction_factor=4]", false)
	if err != nil {
		t.Fatalf("resolveChecked() error = %v", err)
	}
	if typed == nil {
		t.Fatal("resolveChecked() returned no parsed config")
	}
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"reduction_factor": 4`},
		{"yaml", "reduction_factor: 4"},
		{"toml", "reduction_factor = 4"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := writeDict(&buf, d, tt.format); err != nil {
			t.Fatalf("writeDict(%s) error = %v", tt.format, err)
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Fatalf("writeDict(%s) = %q, want it to contain %q", tt.format, buf.String(), tt.want)
		}
	}
	if err := writeDict(&bytes.Buffer{}, d, "xml"); err == nil {
		t.Fatal("writeDict(xml) expected error")
	}

	if _, _, err := resolveChecked("pfeifer", false); err == nil || !strings.Contains(err.Error(), "pfeiffer") {
		t.Fatalf("unknown preset error = %v, want a pfeiffer hint", err)
	}
	if _, _, err := resolveChecked("dynamic", true); err != nil {
		t.Fatalf("resolveChecked(dynamic, fusion) error = %v", err)
	}
}

func tinyModel(t *testing.T, modelType string) *arch.Model {
	t.Helper()
	cfg := &model.Config{
		ModelType:         modelType,
		HiddenSize:        8,
		IntermediateSize:  16,
		NumHiddenLayers:   2,
		NumAttentionHeads: 2,
		VocabSize:         30,
		MaxPosition:       16,
		TypeVocabSize:     2,
		DecoderLayers:     2,
		ImageSize:         8,
		PatchSize:         4,
		NumChannels:       1,
		ConvDim:           []int{6},
	}
	cfg.Normalize()
	m, err := arch.New(cfg)
	if err != nil {
		t.Fatalf("arch.New(%s) error = %v", modelType, err)
	}
	return m
}

func TestInspectAdapter(t *testing.T) {
	t.Parallel()

	m := tinyModel(t, "bert")
	if err := m.Host.AddAdapter("a", "houlsby"); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "a")
	if err := m.Host.SaveAdapter(dir, "a"); err != nil {
		t.Fatalf("SaveAdapter: %v", err)
	}

	var buf bytes.Buffer
	if err := inspectAdapter(&buf, dir, true); err != nil {
		t.Fatalf("inspectAdapter() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"name:        a", "model type:  bert", "hidden size: 8", "TENSOR", "down.weight"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
	if err := inspectAdapter(&buf, t.TempDir(), false); err == nil {
		t.Fatal("inspectAdapter() of an empty directory succeeded")
	}
}

func TestRandomInputMatchesModel(t *testing.T) {
	t.Parallel()

	for _, modelType := range []string{"bert", "bart", "vit", "hubert"} {
		m := tinyModel(t, modelType)
		in := randomInput(m.Base, 2, 5, 3)
		out, err := m.Forward(in, adapters.ForwardOptions{})
		if err != nil {
			t.Fatalf("%s: Forward() error = %v", modelType, err)
		}
		if out.Hidden.B != 2 || out.Hidden.D != 8 {
			t.Fatalf("%s: hidden shape [%d %d %d]", modelType, out.Hidden.B, out.Hidden.T, out.Hidden.D)
		}
	}
}

func TestMoments(t *testing.T) {
	t.Parallel()

	mean, std := moments([]float32{1, 3})
	if mean != 2 || std != 1 {
		t.Fatalf("moments() = %v, %v; want 2, 1", mean, std)
	}
	if mean, std := moments(nil); mean != 0 || std != 0 {
		t.Fatalf("moments(nil) = %v, %v", mean, std)
	}
}
