// Package config loads node configuration files.
//
// A file is YAML or TOML, chosen by extension. The decoded document is
// unified with the embedded CUE schema, which rejects unknown keys and
// out-of-range values and fills defaults, before it becomes a Config.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/capability"
	"github.com/roach88/meshsync/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Format selects the file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf infers the format from a file name.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Config is a validated node configuration.
type Config struct {
	PeerID        string
	Listen        string
	Bootstrap     []string
	BridgeUDP     string
	Database      string
	QueryTimeout  time.Duration
	QueueCapacity int
	LogLevel      slog.Level
	Capabilities  map[capability.Category]ir.Value
}

// fileConfig mirrors the schema after defaults are applied.
type fileConfig struct {
	PeerID        string   `json:"peer_id"`
	Listen        string   `json:"listen"`
	Bootstrap     []string `json:"bootstrap"`
	Bridge        *struct {
		UDPAddr string `json:"udp_addr"`
	} `json:"bridge"`
	Database      string `json:"database"`
	QueryTimeout  string `json:"query_timeout"`
	QueueCapacity int    `json:"queue_capacity"`
	LogLevel      string `json:"log_level"`
}

// Default returns the configuration of an empty file.
func Default() (Config, error) {
	return Parse(nil, FormatYAML)
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data in the given format.
func Parse(data []byte, format Format) (Config, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported format %q", format)
	}

	fc, err := validate(raw)
	if err != nil {
		return Config{}, err
	}
	return build(fc, raw)
}

// validate unifies raw with #Config and decodes the result.
func validate(raw map[string]any) (fileConfig, error) {
	var fc fileConfig

	cuectx := cuecontext.New()
	schema := cuectx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fc, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	doc := cuectx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fc, fmt.Errorf("encode config: %w", err)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fc, fmt.Errorf("invalid config: %w", err)
	}
	if err := unified.Decode(&fc); err != nil {
		return fc, fmt.Errorf("decode config: %w", err)
	}
	return fc, nil
}

func build(fc fileConfig, raw map[string]any) (Config, error) {
	cfg := Config{
		PeerID:        fc.PeerID,
		Listen:        fc.Listen,
		Bootstrap:     fc.Bootstrap,
		Database:      fc.Database,
		QueueCapacity: fc.QueueCapacity,
		Capabilities:  map[capability.Category]ir.Value{},
	}
	if fc.Bridge != nil {
		cfg.BridgeUDP = fc.Bridge.UDPAddr
	}

	if cfg.PeerID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Config{}, fmt.Errorf("generate peer id: %w", err)
		}
		cfg.PeerID = id.String()
	}

	d, err := time.ParseDuration(fc.QueryTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("query_timeout: %w", err)
	}
	cfg.QueryTimeout = d

	if err := cfg.LogLevel.UnmarshalText([]byte(fc.LogLevel)); err != nil {
		return Config{}, fmt.Errorf("log_level: %w", err)
	}

	// Capability values come from the raw document so that integers keep
	// their variant.
	if caps, ok := raw["capabilities"].(map[string]any); ok {
		for name, v := range caps {
			val, err := ir.FromGo(v)
			if err != nil {
				return Config{}, fmt.Errorf("capabilities.%s: %w", name, err)
			}
			cfg.Capabilities[capability.Category(name)] = val
		}
	}
	return cfg, nil
}

// Registry builds a capability registry from the configured descriptor.
func (c Config) Registry() (*capability.Registry, error) {
	reg := capability.NewRegistry()
	for cat, v := range c.Capabilities {
		if err := reg.Set(cat, v); err != nil {
			return nil, fmt.Errorf("capability %s: %w", cat, err)
		}
	}
	return reg, nil
}
