// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	Database  DatabaseConfig `yaml:"database"`
	Warehouse DatabaseConfig `yaml:"warehouse"`
	Server    ServerConfig   `yaml:"server"`
	Log       LogConfig      `yaml:"log"`
	LLM       LLMConfig      `yaml:"llm"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Chat      ChatConfig     `yaml:"chat"`
	Redis     RedisConfig    `yaml:"redis"`
	Terms     TermsConfig    `yaml:"terms"`
}

// DatabaseConfig holds connection settings for a MySQL or SQLite database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// IsZero reports whether no connection settings were given.
func (d DatabaseConfig) IsZero() bool {
	return d == DatabaseConfig{}
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects the logger flavour.
type LogConfig struct {
	Mode string `yaml:"mode"` // "development" or "production"
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ResolvedAPIKey returns the literal key, or the value of APIKeyEnv.
func (l LLMConfig) ResolvedAPIKey() string {
	if l.APIKey != "" {
		return l.APIKey
	}
	if l.APIKeyEnv != "" {
		return os.Getenv(l.APIKeyEnv)
	}
	return ""
}

// StageTimeouts bounds each collaborator call made by a pipeline run.
type StageTimeouts struct {
	Intent    time.Duration `yaml:"intent"`
	Planner   time.Duration `yaml:"planner"`
	Executor  time.Duration `yaml:"executor"`
	Diagnosis time.Duration `yaml:"diagnosis"`
	Analyzer  time.Duration `yaml:"analyzer"`
	Responder time.Duration `yaml:"responder"`
}

// PipelineConfig tunes the question pipeline.
type PipelineConfig struct {
	Timeouts      StageTimeouts `yaml:"timeouts"`
	DiagnosisCap  *int          `yaml:"diagnosis_cap"`
	CacheMinScore int           `yaml:"cache_min_score"`
	ChunkSize     int           `yaml:"chunk_size"`
	JournalBuffer int           `yaml:"journal_buffer"`
}

// MaxDiagnosis returns the diagnosis attempt cap. Zero is a valid cap.
func (p PipelineConfig) MaxDiagnosis() int {
	if p.DiagnosisCap == nil {
		return DefaultDiagnosisCap
	}
	return *p.DiagnosisCap
}

// ChatConfig covers the session protocol layer.
type ChatConfig struct {
	MaxMessageLength  int           `yaml:"max_message_length"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	Debug             bool          `yaml:"debug"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	SweepSchedule     string        `yaml:"sweep_schedule"`
	HistoryLimit      int           `yaml:"history_limit"`
}

// RedisConfig enables the cross-instance interrupt bus when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a redis address was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// TermConfig is one business term: a word the users say and what it means
// in the data.
type TermConfig struct {
	Name     string   `yaml:"name" json:"name"`
	Meaning  string   `yaml:"meaning" json:"meaning"`
	SQLHint  string   `yaml:"sql_hint,omitempty" json:"sql_hint,omitempty"`
	Examples []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// TermsConfig locates the business-terms glossary. Entries seed the glossary
// while File is unset or does not exist yet; once it exists the file wins.
type TermsConfig struct {
	File    string       `yaml:"file"`
	Entries []TermConfig `yaml:"entries"`
}

// Defaults.
const (
	DefaultDiagnosisCap      = 2
	DefaultCacheMinScore     = 50
	DefaultChunkSize         = 3
	DefaultJournalBuffer     = 256
	DefaultMaxMessageLength  = 500
	DefaultMaxConcurrentRuns = 10
	DefaultSweepSchedule     = "*/5 * * * *"
	DefaultHistoryLimit      = 50
	DefaultRedisChannel      = "signalbox:interrupts"
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	applyDatabaseDefaults(&c.Database)
	if c.Warehouse.IsZero() {
		c.Warehouse = c.Database
	} else {
		applyDatabaseDefaults(&c.Warehouse)
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "production"
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	t := &c.Pipeline.Timeouts
	if t.Intent == 0 {
		t.Intent = 30 * time.Second
	}
	if t.Planner == 0 {
		t.Planner = 60 * time.Second
	}
	if t.Executor == 0 {
		t.Executor = 15 * time.Second
	}
	if t.Diagnosis == 0 {
		t.Diagnosis = 30 * time.Second
	}
	if t.Analyzer == 0 {
		t.Analyzer = 30 * time.Second
	}
	if t.Responder == 0 {
		t.Responder = 30 * time.Second
	}
	if c.Pipeline.CacheMinScore == 0 {
		c.Pipeline.CacheMinScore = DefaultCacheMinScore
	}
	if c.Pipeline.ChunkSize == 0 {
		c.Pipeline.ChunkSize = DefaultChunkSize
	}
	if c.Pipeline.JournalBuffer == 0 {
		c.Pipeline.JournalBuffer = DefaultJournalBuffer
	}

	if c.Chat.MaxMessageLength == 0 {
		c.Chat.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Chat.MaxConcurrentRuns == 0 {
		c.Chat.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.Chat.HeartbeatInterval == 0 {
		c.Chat.HeartbeatInterval = 30 * time.Second
	}
	if c.Chat.SessionTTL == 0 {
		c.Chat.SessionTTL = time.Hour
	}
	if c.Chat.SweepSchedule == "" {
		c.Chat.SweepSchedule = DefaultSweepSchedule
	}
	if c.Chat.HistoryLimit == 0 {
		c.Chat.HistoryLimit = DefaultHistoryLimit
	}

	if c.Redis.Enabled() && c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
}

func applyDatabaseDefaults(d *DatabaseConfig) {
	if d.Driver == "" {
		d.Driver = "sqlite"
	}
	switch d.Driver {
	case "mysql":
		if d.Host == "" {
			d.Host = "127.0.0.1"
		}
		if d.Port == 0 {
			d.Port = 3306
		}
		if d.User == "" {
			d.User = "root"
		}
		if d.Name == "" {
			d.Name = "signalbox"
		}
	case "sqlite":
		if d.Path == "" {
			d.Path = "signalbox.db"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	errs = append(errs, validateDatabase("database", c.Database)...)
	errs = append(errs, validateDatabase("warehouse", c.Warehouse)...)

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Log.Mode != "development" && c.Log.Mode != "production" {
		errs = append(errs, fmt.Sprintf("log.mode %q must be development or production", c.Log.Mode))
	}
	if c.Pipeline.MaxDiagnosis() < 0 {
		errs = append(errs, "pipeline.diagnosis_cap must be >= 0")
	}
	if c.Pipeline.CacheMinScore < 0 || c.Pipeline.CacheMinScore > 100 {
		errs = append(errs, "pipeline.cache_min_score must be within 0..100")
	}
	if c.Pipeline.ChunkSize < 0 {
		errs = append(errs, "pipeline.chunk_size must be >= 0")
	}
	if c.Chat.MaxMessageLength < 0 {
		errs = append(errs, "chat.max_message_length must be >= 0")
	}
	if c.Chat.MaxConcurrentRuns < 0 {
		errs = append(errs, "chat.max_concurrent_runs must be >= 0")
	}
	if len(strings.Fields(c.Chat.SweepSchedule)) != 5 {
		errs = append(errs, fmt.Sprintf("chat.sweep_schedule %q must have 5 fields", c.Chat.SweepSchedule))
	}
	seen := make(map[string]bool)
	for i, t := range c.Terms.Entries {
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("terms.entries[%d].name is required", i))
		case seen[name]:
			errs = append(errs, fmt.Sprintf("terms.entries[%d].name %q is duplicated", i, name))
		}
		seen[name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(section string, d DatabaseConfig) []string {
	var errs []string
	switch d.Driver {
	case "mysql":
		if d.Name == "" {
			errs = append(errs, section+".name is required for mysql")
		}
	case "sqlite":
		if d.Path == "" {
			errs = append(errs, section+".path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.driver %q must be mysql or sqlite", section, d.Driver))
	}
	return errs
}
