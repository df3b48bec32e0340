// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/grammar"
	"github.com/jeranaias/rigrun-chat/internal/inference"
	"github.com/jeranaias/rigrun-chat/internal/llama"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/offline"
	"github.com/jeranaias/rigrun-chat/internal/prompt"
	"github.com/jeranaias/rigrun-chat/internal/reconcile"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// CurrentVersion is written into new configuration files.
const CurrentVersion = "1"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-chat configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Engine (llama.cpp server) configuration
	Engine EngineConfig `toml:"engine" json:"engine"`

	// Sampling parameters forwarded with every completion
	Sampling SamplingConfig `toml:"sampling" json:"sampling"`

	// Chat session configuration
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Logging configuration
	Log LogConfig `toml:"log" json:"log"`

	// Run ledger configuration
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// EngineConfig controls how the model is loaded.
type EngineConfig struct {
	// ServerPath is the llama-server executable. Empty attaches to a server
	// already running at BaseURL.
	ServerPath string `toml:"server_path" json:"server_path"`

	// BaseURL is where the server listens.
	BaseURL string `toml:"base_url" json:"base_url"`

	// AllowRemote permits a BaseURL that is not a loopback address.
	AllowRemote bool `toml:"allow_remote" json:"allow_remote"`

	// ModelPath is the GGUF model file.
	ModelPath string `toml:"model_path" json:"model_path"`

	UseMlock  bool `toml:"use_mlock" json:"use_mlock"`
	GPULayers *int `toml:"gpu_layers,omitempty" json:"gpu_layers,omitempty"`
	Embedding bool `toml:"embedding" json:"embedding"`

	// StartupTimeoutSecs bounds model loading.
	StartupTimeoutSecs int `toml:"startup_timeout_secs" json:"startup_timeout_secs"`

	// ExtraArgs are appended to the server command line.
	ExtraArgs []string `toml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// SamplingConfig holds optional sampling parameters. Unset keys are not sent.
type SamplingConfig struct {
	Temperature   *float64 `toml:"temperature,omitempty" json:"temperature,omitempty"`
	TopK          *int     `toml:"top_k,omitempty" json:"top_k,omitempty"`
	TopP          *float64 `toml:"top_p,omitempty" json:"top_p,omitempty"`
	RepeatPenalty *float64 `toml:"repeat_penalty,omitempty" json:"repeat_penalty,omitempty"`
	Mirostat      *int     `toml:"mirostat,omitempty" json:"mirostat,omitempty"`
	MirostatTau   *float64 `toml:"mirostat_tau,omitempty" json:"mirostat_tau,omitempty"`
	MirostatEta   *float64 `toml:"mirostat_eta,omitempty" json:"mirostat_eta,omitempty"`
	Seed          *int64   `toml:"seed,omitempty" json:"seed,omitempty"`
	NPredict      *int     `toml:"n_predict,omitempty" json:"n_predict,omitempty"`

	// LogitBias is a list of [token, bias] pairs.
	LogitBias [][]float64 `toml:"logit_bias,omitempty" json:"logit_bias,omitempty"`

	// GrammarSchema names a JSON or YAML schema file. When set, the schema
	// is converted to a grammar that constrains every completion.
	GrammarSchema string `toml:"grammar_schema,omitempty" json:"grammar_schema,omitempty"`

	// PropOrder ranks object properties in the generated grammar.
	PropOrder map[string]int `toml:"prop_order,omitempty" json:"prop_order,omitempty"`
}

// ChatConfig controls the chat session.
type ChatConfig struct {
	ConversationID string `toml:"conversation_id" json:"conversation_id"`
	Preamble       string `toml:"preamble" json:"preamble"`
	Greeting       string `toml:"greeting" json:"greeting"`

	// StoppedNotice is shown when a generation is stopped. Set to "" to
	// disable it.
	StoppedNotice string `toml:"stopped_notice" json:"stopped_notice"`

	// MaxMessages bounds the visible history. 0 keeps everything.
	MaxMessages int `toml:"max_messages" json:"max_messages"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// TelemetryConfig controls the local run ledger.
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	DBPath  string `toml:"db_path" json:"db_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Engine: EngineConfig{
			ServerPath:         "",
			BaseURL:            llama.DefaultConfig().BaseURL,
			UseMlock:           true,
			StartupTimeoutSecs: 120,
		},
		Chat: ChatConfig{
			ConversationID: chat.DefaultConversationID,
			Preamble:       prompt.DefaultPreamble,
			Greeting:       chat.DefaultGreeting,
			StoppedNotice:  reconcile.DefaultStoppedNotice,
			MaxMessages:    model.DefaultMaxMessages,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-chat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-chat"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ResolvePath returns the config file Load would read: the TOML file if it
// exists, else the JSON file if it exists, else the TOML path.
func ResolvePath() (string, error) {
	tomlPath, err := ConfigPathTOML()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath, err := ConfigPathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ResolvePath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFromPath(path)
	}

	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. Keys absent from the file keep their default values.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// finish applies environment overrides, defaults and validation.
func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SetDefaults fills required values left empty.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Engine.BaseURL == "" {
		c.Engine.BaseURL = defaults.Engine.BaseURL
	}
	if c.Engine.StartupTimeoutSecs == 0 {
		c.Engine.StartupTimeoutSecs = defaults.Engine.StartupTimeoutSecs
	}
	if c.Chat.ConversationID == "" {
		c.Chat.ConversationID = defaults.Chat.ConversationID
	}
	if c.Chat.Preamble == "" {
		c.Chat.Preamble = defaults.Chat.Preamble
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Telemetry.DBPath == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Telemetry.DBPath = filepath.Join(dir, "runs.db")
		}
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-chat configuration file\n")
	buf.WriteString("# Unset [sampling] keys use the engine defaults.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.WriteFileAtomic(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Engine
	if err := offline.ValidateEngineURL(c.Engine.BaseURL, c.Engine.AllowRemote); err != nil {
		add("engine.base_url", "%v: '%s'", err, c.Engine.BaseURL)
	}
	if c.Engine.ServerPath != "" && c.Engine.ModelPath == "" {
		add("engine.model_path", "required when engine.server_path is set")
	}
	if c.Engine.GPULayers != nil && *c.Engine.GPULayers < -1 {
		add("engine.gpu_layers", "must be -1 or greater, got %d", *c.Engine.GPULayers)
	}
	if c.Engine.StartupTimeoutSecs < 0 {
		add("engine.startup_timeout_secs", "must not be negative")
	}

	// Sampling
	s := c.Sampling
	if s.Temperature != nil && *s.Temperature < 0 {
		add("sampling.temperature", "must not be negative, got %g", *s.Temperature)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		add("sampling.top_p", "must be between 0 and 1, got %g", *s.TopP)
	}
	if s.Mirostat != nil && (*s.Mirostat < 0 || *s.Mirostat > 2) {
		add("sampling.mirostat", "must be 0, 1 or 2, got %d", *s.Mirostat)
	}
	if s.RepeatPenalty != nil && *s.RepeatPenalty < 0 {
		add("sampling.repeat_penalty", "must not be negative, got %g", *s.RepeatPenalty)
	}
	for i, pair := range s.LogitBias {
		if len(pair) != 2 {
			add(fmt.Sprintf("sampling.logit_bias[%d]", i), "must be a [token, bias] pair")
		}
	}

	// Chat
	if c.Chat.MaxMessages < 0 {
		add("chat.max_messages", "must not be negative")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		add("log.format", "invalid format '%s', must be one of: console, json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RIGCHAT_MODEL: overrides engine.model_path
//   - RIGCHAT_BASE_URL: overrides engine.base_url
//   - RIGCHAT_ALLOW_REMOTE: overrides engine.allow_remote
//   - RIGCHAT_SERVER: overrides engine.server_path
//   - RIGCHAT_GPU_LAYERS: overrides engine.gpu_layers
//   - RIGCHAT_LOG_LEVEL: overrides log.level
//   - RIGCHAT_CONVERSATION: overrides chat.conversation_id
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("RIGCHAT_MODEL"); model != "" {
		c.Engine.ModelPath = model
	}
	if baseURL := os.Getenv("RIGCHAT_BASE_URL"); baseURL != "" {
		c.Engine.BaseURL = baseURL
	}
	if remote := os.Getenv("RIGCHAT_ALLOW_REMOTE"); remote != "" {
		if v, err := strconv.ParseBool(remote); err == nil {
			c.Engine.AllowRemote = v
		}
	}
	if server := os.Getenv("RIGCHAT_SERVER"); server != "" {
		c.Engine.ServerPath = server
	}
	if layers := os.Getenv("RIGCHAT_GPU_LAYERS"); layers != "" {
		if n, err := strconv.Atoi(layers); err == nil {
			c.Engine.GPULayers = &n
		}
	}
	if level := os.Getenv("RIGCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if conv := os.Getenv("RIGCHAT_CONVERSATION"); conv != "" {
		c.Chat.ConversationID = conv
	}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// LlamaConfig returns the engine settings for llama.NewEngine.
func (e EngineConfig) LlamaConfig() llama.EngineConfig {
	return llama.EngineConfig{
		ServerPath:     e.ServerPath,
		BaseURL:        e.BaseURL,
		StartupTimeout: time.Duration(e.StartupTimeoutSecs) * time.Second,
		ExtraArgs:      e.ExtraArgs,
	}
}

// LoadOptions returns the model load options.
func (e EngineConfig) LoadOptions() llama.LoadOptions {
	return llama.LoadOptions{
		UseMlock:  e.UseMlock,
		GPULayers: e.GPULayers,
		Embedding: e.Embedding,
	}
}

// Inference converts the sampling section, reading and converting the
// grammar schema when one is configured. Relative schema paths are resolved
// against baseDir.
func (s SamplingConfig) Inference(baseDir string) (inference.SamplingConfig, error) {
	out := inference.SamplingConfig{
		Temperature:   s.Temperature,
		TopK:          s.TopK,
		TopP:          s.TopP,
		RepeatPenalty: s.RepeatPenalty,
		Mirostat:      s.Mirostat,
		MirostatTau:   s.MirostatTau,
		MirostatEta:   s.MirostatEta,
		Seed:          s.Seed,
		MaxTokens:     s.NPredict,
	}

	for i, pair := range s.LogitBias {
		if len(pair) != 2 {
			return inference.SamplingConfig{}, fmt.Errorf("logit_bias[%d]: want [token, bias]", i)
		}
		out.LogitBias = append(out.LogitBias, llama.LogitBias{Token: int(pair[0]), Bias: pair[1]})
	}

	if s.GrammarSchema != "" {
		path := s.GrammarSchema
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		g, err := grammar.ConvertFile(path, s.PropOrder)
		if err != nil {
			return inference.SamplingConfig{}, fmt.Errorf("grammar schema: %w", err)
		}
		out.Grammar = g
	}

	return out, nil
}

// ChatOptions returns controller options for this configuration.
func (c *Config) ChatOptions(sampling inference.SamplingConfig) chat.Options {
	return chat.Options{
		ConversationID: c.Chat.ConversationID,
		Preamble:       c.Chat.Preamble,
		Sampling:       sampling,
		Greeting:       c.Chat.Greeting,
		StoppedNotice:  c.Chat.StoppedNotice,
		MaxMessages:    c.Chat.MaxMessages,
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "sampling.top_k").
// Unset optional values are returned as nil.
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return nil, nil
		}
		return field.Elem().Interface(), nil
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field type; "" clears an optional value.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}

	if field.Kind() == reflect.Ptr {
		if s, ok := value.(string); ok && s == "" {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		elem := reflect.New(field.Type().Elem())
		if err := setFieldValue(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}
	return setFieldValue(field, value)
}

// lookup resolves a dot-notation key to a struct field using TOML names.
func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	if key == "" || len(parts) == 0 {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTOMLName(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTOMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal := strVal == "1" || strings.ToLower(strVal) == "true" || strings.ToLower(strVal) == "yes"
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	_ = json.Unmarshal(data, clone)
	return clone
}

// String returns the configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}
