// Package config loads clusterhub settings from YAML, the environment and
// defaults, and validates them against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvOriginTag            = "CLUSTERHUB_ORIGIN_TAG"
	EnvLogLevel             = "CLUSTERHUB_LOG_LEVEL"
	EnvMaxRetainedFunctions = "CLUSTERHUB_MAX_RETAINED_FUNCTIONS"
	EnvStoreDSN             = "CLUSTERHUB_STORE_DSN"
)

//go:embed schema.cue
var schemaSource []byte

// Config holds the settings shared by the coordinator and its
// participants.
type Config struct {
	// OriginTag is stamped on every message and required of every inbound
	// one.
	OriginTag string `yaml:"origin_tag" json:"origin_tag"`

	// MaxRetainedFunctions bounds each hub's table of callables.
	MaxRetainedFunctions int `yaml:"max_retained_functions" json:"max_retained_functions"`

	// StoreDSN is the SQLite DSN hub stores open on the coordinator.
	StoreDSN string `yaml:"store_dsn" json:"store_dsn"`

	// Participants is how many participants "clusterhub run" spawns.
	Participants int `yaml:"participants" json:"participants"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		OriginTag:            "clusterhub",
		MaxRetainedFunctions: 100,
		StoreDSN:             ":memory:",
		Participants:         2,
		LogLevel:             "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Unknown keys in the file are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var file Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg = cfg.Merge(file)

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of o applied over it.
func (c Config) Merge(o Config) Config {
	if o.OriginTag != "" {
		c.OriginTag = o.OriginTag
	}
	if o.MaxRetainedFunctions != 0 {
		c.MaxRetainedFunctions = o.MaxRetainedFunctions
	}
	if o.StoreDSN != "" {
		c.StoreDSN = o.StoreDSN
	}
	if o.Participants != 0 {
		c.Participants = o.Participants
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	return c
}

// ApplyEnv overrides settings from the environment, read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvOriginTag); ok && v != "" {
		c.OriginTag = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvStoreDSN); ok && v != "" {
		c.StoreDSN = v
	}
	if v, ok := lookup(EnvMaxRetainedFunctions); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRetainedFunctions, err)
		}
		c.MaxRetainedFunctions = n
	}
	return nil
}

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown names mean Info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidationError is a schema violation with its position in the schema.
type ValidationError struct {
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("invalid config: %s (%s:%d)", e.Message, e.Pos.Filename(), e.Pos.Line())
	}
	return "invalid config: " + e.Message
}

func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	first := errs[0]
	ve := &ValidationError{Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
