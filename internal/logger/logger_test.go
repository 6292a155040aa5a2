package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("adapter", "a")
	log.Error("dropped")
}

func TestTextLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("adapter added", "name", "sst2")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("debug record written at info level: %s", output)
	}
	if !strings.Contains(output, "name=sst2") {
		t.Fatalf("expected name=sst2 in output, got: %s", output)
	}
}

func TestJSONRecordsCallerSource(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	JSON(&buf, slog.LevelInfo).With("component", "host").Info("hello", "key", "value")

	var rec struct {
		Level     string `json:"level"`
		Msg       string `json:"msg"`
		Key       string `json:"key"`
		Component string `json:"component"`
		Source    struct {
			File string `json:"file"`
		} `json:"source"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if rec.Level != "INFO" || rec.Msg != "hello" || rec.Key != "value" || rec.Component != "host" {
		t.Fatalf("record = %+v", rec)
	}
	if !strings.HasSuffix(rec.Source.File, "logger_test.go") {
		t.Fatalf("source file = %q, want the calling test file", rec.Source.File)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
	FromContext(WithContext(context.Background(), log)).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" Warn ", slog.LevelWarn},
	}

	for _, tc := range tests {
		result := ParseLevel(tc.input)
		if result != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn to be enabled at warn level")
	}
}

func TestPrettyOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		log  func(*slog.Logger)
		want []string
		not  []string
	}{
		{
			name: "plain",
			log:  func(l *slog.Logger) { l.Info("adapter added", "adapter", "sst2", "params", 12) },
			want: []string{"INFO ", "adapter added", "adapter=sst2", "params=12", colorGreen},
		},
		{
			name: "quoted",
			log:  func(l *slog.Logger) { l.Info("test", "msg", "hello world", "empty", "", "eq", "a=b") },
			want: []string{`msg="hello world"`, `empty=""`, `eq="a=b"`},
		},
		{
			name: "simple strings unquoted",
			log:  func(l *slog.Logger) { l.Info("test", "key", "simple") },
			want: []string{"key=simple"},
			not:  []string{`key="simple"`},
		},
		{
			name: "group",
			log:  func(l *slog.Logger) { l.WithGroup("a").WithGroup("b").Info("nested", "key", "val") },
			want: []string{"a.b.key=val"},
		},
		{
			name: "attrs keep the groups open when added",
			log: func(l *slog.Logger) {
				l.With("service", "splice").WithGroup("fwd").With("id", 1).Info("done", "rows", 4)
			},
			want: []string{"service=splice", "fwd.id=1", "fwd.rows=4"},
			not:  []string{"fwd.service"},
		},
		{
			name: "group value",
			log:  func(l *slog.Logger) { l.Info("g", slog.Group("shape", "b", 2, "t", 3)) },
			want: []string{"shape.b=2", "shape.t=3"},
		},
		{
			name: "error",
			log:  func(l *slog.Logger) { l.Warn("failed", "err", errors.New("no such adapter")) },
			want: []string{"WARN ", `err="no such adapter"`, colorRed},
		},
		{
			name: "duration and scores",
			log: func(l *slog.Logger) {
				l.Info("forward", "duration", 1234567*time.Nanosecond, "gates", []float32{0.25, 0.75})
			},
			want: []string{"duration=1.235ms", "gates=[0.25 0.75]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.log(slog.New(NewPrettyHandler(&buf, nil)))
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Fatalf("output %q missing %q", out, w)
				}
			}
			for _, w := range tt.not {
				if strings.Contains(out, w) {
					t.Fatalf("output %q contains %q", out, w)
				}
			}
		})
	}
}

func TestPrettySource(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Pretty(&buf, slog.LevelDebug).Debug("debug msg")

	out := buf.String()
	if !strings.Contains(out, "debug msg") || !strings.Contains(out, "[logger_test.go:") {
		t.Fatalf("expected message with caller source, got: %s", out)
	}
}

func TestPrettyReplaceAttr(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "secret" {
				return slog.Attr{}
			}
			if len(groups) == 1 && groups[0] == "g" {
				a.Key = strings.ToUpper(a.Key)
			}
			return a
		},
	})
	slog.New(h).WithGroup("g").Info("x", "secret", "s", "k", "v")

	out := buf.String()
	if strings.Contains(out, "secret") || !strings.Contains(out, "g.K=v") {
		t.Fatalf("ReplaceAttr not applied: %s", out)
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", true},
		{"Stack(a,b)", false},
	}

	for _, tc := range tests {
		result := needsQuoting(tc.input)
		if result != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}
