package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Resolve turns an adapter config reference into its dictionary form:
//
//   - a preset name ("pfeiffer", "lora", ...) yields a copy of the preset,
//     optionally with overrides: "houlsby[reduction_factor=8]"
//   - a path to an existing file yields its decoded contents
//   - a Dict or map[string]any is returned unchanged
//
// Anything else is a configuration error.
func Resolve(v any) (Dict, error) {
	return resolve("resolve config", v, presets)
}

// ResolveFusion is Resolve for fusion configurations.
func ResolveFusion(v any) (Dict, error) {
	return resolve("resolve fusion config", v, fusionPresets)
}

func resolve(op string, v any, table map[string]Dict) (Dict, error) {
	switch t := v.(type) {
	case Dict:
		return t, nil
	case map[string]any:
		return Dict(t), nil
	case string:
		return resolveString(op, t, table)
	case nil:
		return nil, Errorf(op, "", ErrUnknownPreset, "no config given")
	}
	return nil, Errorf(op, "", ErrUnknownPreset, "unsupported config value of type %T", v)
}

func resolveString(op, s string, table map[string]Dict) (Dict, error) {
	name, overrides, err := splitOverrides(s)
	if err != nil {
		return nil, &Error{Op: op, Name: s, Err: err}
	}
	if d, ok := table[name]; ok {
		out := clone(d)
		for k, v := range overrides {
			out[k] = v
		}
		return out, nil
	}
	if overrides == nil {
		if fi, err := os.Stat(s); err == nil && fi.Mode().IsRegular() {
			d, err := LoadFile(s)
			if err != nil {
				return nil, &Error{Op: op, Name: s, Err: fmt.Errorf("%w: %w", ErrUnknownPreset, err)}
			}
			return d, nil
		}
	}
	names := make([]string, 0, len(table))
	for k := range table {
		names = append(names, k)
	}
	return nil, &Error{Op: op, Name: s, Err: ErrUnknownPreset, Hint: Closest(name, names)}
}

// splitOverrides parses "name[key=value, ...]". Values are decoded as
// JSON scalars when possible and kept as strings otherwise.
func splitOverrides(s string) (string, Dict, error) {
	open := strings.IndexByte(s, '[')
	if open < 0 || !strings.HasSuffix(s, "]") {
		return s, nil, nil
	}
	name := strings.TrimSpace(s[:open])
	body := strings.TrimSpace(s[open+1 : len(s)-1])
	out := Dict{}
	if body == "" {
		return name, out, nil
	}
	for _, part := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return "", nil, fmt.Errorf("%w: override %q is not key=value", ErrUnknownPreset, strings.TrimSpace(part))
		}
		out[strings.TrimSpace(k)] = scalar(strings.TrimSpace(v))
	}
	return name, out, nil
}

func scalar(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return strings.Trim(v, `"'`)
}

// LoadFile decodes a config file, choosing the codec from the extension.
// Unknown extensions are read as JSON.
func LoadFile(path string) (Dict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeBytes(data, strings.ToLower(filepath.Ext(path)))
}

// DecodeDict decodes a JSON object into a Dict with the same numeric
// normalisation as LoadFile.
func DecodeDict(data []byte) (Dict, error) {
	return decodeBytes(data, ".json")
}

func decodeBytes(data []byte, ext string) (Dict, error) {
	var raw map[string]any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("config file is empty")
	}
	return Dict(normalizeValue(raw).(map[string]any)), nil
}

// normalizeValue maps the numeric and map types of the three decoders onto
// int, float64, []any and map[string]any.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	case Dict:
		return normalizeValue(map[string]any(t))
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float32:
		return float64(t)
	}
	return v
}
