package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentrun/internal/tools/policy"
)

const includeKey = "$include"

var errMultiDoc = errors.New("expected a single document")

// LoadRaw reads a configuration file into a map. Environment variables are
// expanded, and files named by $include are loaded first and overlaid by the
// including file.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadFile(path, make(map[string]bool))
}

func loadFile(path string, visiting map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseDocument([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		child, err := loadFile(inc, visiting)
		if err != nil {
			return nil, err
		}
		merged = overlay(merged, child)
	}
	return overlay(merged, raw), nil
}

// expandEnv substitutes $VAR and ${VAR}, leaving the $include key intact.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if key == includeKey[1:] {
			return includeKey
		}
		return os.Getenv(key)
	})
}

// parseDocument decodes JSON5 for .json and .json5 files and YAML otherwise.
func parseDocument(data []byte, name string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errMultiDoc
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func takeIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				paths = append(paths, s)
			}
		}
		return paths, nil
	}
	return nil, errors.New("$include must be a string or a list of strings")
}

// overlay deep-merges src into dst. Maps merge key by key; any other value
// in src replaces the one in dst.
func overlay(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = overlay(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeStrict re-encodes raw as YAML and decodes it into out, rejecting
// unknown fields.
func decodeStrict(raw map[string]any, out any) error {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	var cfg Config
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPolicy reads a standalone activation policy document.
func LoadPolicy(path string) (policy.Config, error) {
	var cfg policy.Config
	raw, err := LoadRaw(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := decodeStrict(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
