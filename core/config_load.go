package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

// RawConfigLoader produces one configuration layer as a nested map.
type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

// FileRawLoader reads a JSON configuration file. A missing optional file
// yields an empty layer.
type FileRawLoader struct {
	Path     string
	Optional bool
}

func (l FileRawLoader) LoadRaw(_ context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && l.Optional {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %s: %w", path, err)
	}
	layer := map[string]any{}
	if err := json.Unmarshal(raw, &layer); err != nil {
		return nil, fmt.Errorf("core: parse config file %s: %w", path, err)
	}
	return layer, nil
}

// EnvRawLoader maps prefixed environment variables onto config paths.
// A double underscore separates nesting levels, so single underscores
// survive inside key names: ESTUARY_SERVER__BODY_LIMIT_BYTES sets
// server.body_limit_bytes.
type EnvRawLoader struct {
	Prefix  string
	Environ func() []string
}

func (l EnvRawLoader) LoadRaw(_ context.Context) (map[string]any, error) {
	prefix := strings.TrimSpace(l.Prefix)
	if prefix == "" {
		prefix = "ESTUARY"
	}
	prefix += "_"
	environ := os.Environ
	if l.Environ != nil {
		environ = l.Environ
	}

	layer := map[string]any{}
	for _, pair := range environ() {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := envKeyToPath(strings.TrimPrefix(key, prefix))
		if len(path) == 0 {
			continue
		}
		setNested(layer, path, value)
	}
	return layer, nil
}

func envKeyToPath(key string) []string {
	var path []string
	for _, segment := range strings.Split(key, "__") {
		segment = strings.ToLower(strings.TrimSpace(segment))
		if segment == "" {
			return nil
		}
		path = append(path, segment)
	}
	return path
}

func setNested(layer map[string]any, path []string, value string) {
	for _, segment := range path[:len(path)-1] {
		child, ok := layer[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			layer[segment] = child
		}
		layer = child
	}
	layer[path[len(path)-1]] = value
}

// ConfigSources names where configuration comes from. File values sit
// below environment overrides; defaults fill whatever neither provides.
type ConfigSources struct {
	// File is an optional JSON config file path.
	File string
	// EnvPrefix defaults to ESTUARY.
	EnvPrefix string
	Environ   func() []string
}

// LoadConfig builds the process configuration from layered sources and
// validates the result. It runs once at startup; the returned value is
// treated as immutable afterwards.
func LoadConfig(ctx context.Context, sources ConfigSources) (Config, error) {
	fileLayer, err := FileRawLoader{Path: sources.File, Optional: true}.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	envLayer, err := EnvRawLoader{Prefix: sources.EnvPrefix, Environ: sources.Environ}.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("file", 10),
			fileLayer,
			opts.WithSnapshotID[map[string]any]("file"),
		),
		opts.NewLayer(
			opts.NewScope("env", 20),
			envLayer,
			opts.WithSnapshotID[map[string]any]("env"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: config stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: config merge failed: %w", err)
	}

	cfg, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(DefaultConfig()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
