package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Filter   FilterConfig   `yaml:"filter"`
	Engine   EngineConfig   `yaml:"engine"`
	Journal  JournalConfig  `yaml:"journal"`
	Features FeaturesConfig `yaml:"features"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type FilterConfig struct {
	MinTagLen          int     `yaml:"min_tag_len"`
	RateLimitPerSec    int     `yaml:"rate_limit_per_sec"`
	DuplicateWindowSec float64 `yaml:"duplicate_window_sec"`
	AutoProvisional    *bool   `yaml:"auto_provisional"`
}

type EngineConfig struct {
	MinLapDupSec float64 `yaml:"min_lap_dup_sec"`
	TickMs       int     `yaml:"tick_ms"`
}

type JournalConfig struct {
	Path            string `yaml:"path"`
	BatchMs         int    `yaml:"batch_ms"`
	BatchMax        int    `yaml:"batch_max"`
	CheckpointSec   int    `yaml:"checkpoint_sec"`
	KeepCheckpoints int    `yaml:"keep_checkpoints"`
	Fsync           *bool  `yaml:"fsync"`
}

type FeaturesConfig struct {
	PitTiming *bool `yaml:"pit_timing"`
}

// Default returns the stock configuration used when no file is given.
func Default() *Config {
	t := true
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "dev"},
		Filter: FilterConfig{
			MinTagLen:          7,
			RateLimitPerSec:    20,
			DuplicateWindowSec: 0.5,
			AutoProvisional:    &t,
		},
		Engine: EngineConfig{
			MinLapDupSec: 1.0,
			TickMs:       500,
		},
		Journal: JournalConfig{
			Path:            "chronocore.db",
			BatchMs:         200,
			BatchMax:        50,
			CheckpointSec:   15,
			KeepCheckpoints: 5,
			Fsync:           &t,
		},
		Features: FeaturesConfig{PitTiming: &t},
	}
}

// Load reads a YAML config file, fills unset fields with defaults, and
// applies the PORT env override (container platforms inject it).
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if p := os.Getenv("PORT"); p != "" {
		cfg.Server.Port = p
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if c.Filter.MinTagLen == 0 {
		c.Filter.MinTagLen = d.Filter.MinTagLen
	}
	if c.Filter.RateLimitPerSec == 0 {
		c.Filter.RateLimitPerSec = d.Filter.RateLimitPerSec
	}
	if c.Filter.DuplicateWindowSec == 0 {
		c.Filter.DuplicateWindowSec = d.Filter.DuplicateWindowSec
	}
	if c.Filter.AutoProvisional == nil {
		c.Filter.AutoProvisional = d.Filter.AutoProvisional
	}
	if c.Engine.MinLapDupSec == 0 {
		c.Engine.MinLapDupSec = d.Engine.MinLapDupSec
	}
	if c.Engine.TickMs == 0 {
		c.Engine.TickMs = d.Engine.TickMs
	}
	if c.Journal.Path == "" {
		c.Journal.Path = d.Journal.Path
	}
	if c.Journal.BatchMs == 0 {
		c.Journal.BatchMs = d.Journal.BatchMs
	}
	if c.Journal.BatchMax == 0 {
		c.Journal.BatchMax = d.Journal.BatchMax
	}
	if c.Journal.CheckpointSec == 0 {
		c.Journal.CheckpointSec = d.Journal.CheckpointSec
	}
	if c.Journal.KeepCheckpoints == 0 {
		c.Journal.KeepCheckpoints = d.Journal.KeepCheckpoints
	}
	if c.Journal.Fsync == nil {
		c.Journal.Fsync = d.Journal.Fsync
	}
	if c.Features.PitTiming == nil {
		c.Features.PitTiming = d.Features.PitTiming
	}
}

// BatchInterval is the journal flush interval as a duration.
func (c JournalConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchMs) * time.Millisecond
}

// CheckpointInterval is the checkpoint cadence as a duration.
func (c JournalConfig) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointSec) * time.Second
}
