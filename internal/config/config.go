// Package config resolves threadgraph settings from config file, environment
// and CLI flags, recording where each value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath   string
	CLIDBPath    string
	CLIRules     string
	CLIPolicies  string
	CLIBatchSize string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath    ResolvedValue `json:"db_path"`
	Rules     ResolvedValue `json:"rules"`
	Policies  ResolvedValue `json:"policies"`
	BatchSize ResolvedValue `json:"batch_size"`
}

type fileConfig struct {
	DBPath   string `yaml:"db_path"`
	Rules    string `yaml:"rules"`
	Policies string `yaml:"policies"`
	Worker   struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"worker"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".threadgraph", "config.yaml")
}

// ResolveConfig layers config file, environment and CLI values.
// Precedence: CLI > env > config file > default.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.Rules, cfg.Rules, SourceConfig, path)
		apply(&out.Policies, cfg.Policies, SourceConfig, path)
		if cfg.Worker.BatchSize > 0 {
			apply(&out.BatchSize, strconv.Itoa(cfg.Worker.BatchSize), SourceConfig, path)
		}
	}

	applyEnv(&out.DBPath, "THREADGRAPH_DB")
	applyEnv(&out.Rules, "THREADGRAPH_RULES")
	applyEnv(&out.Policies, "THREADGRAPH_POLICIES")
	applyEnv(&out.BatchSize, "THREADGRAPH_BATCH_SIZE")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "flag")
	apply(&out.Rules, opts.CLIRules, SourceCLI, "flag")
	apply(&out.Policies, opts.CLIPolicies, SourceCLI, "flag")
	apply(&out.BatchSize, opts.CLIBatchSize, SourceCLI, "flag")

	if out.DBPath.Value == "" {
		out.DBPath = ResolvedValue{Source: SourceDefault}
	}
	if out.BatchSize.Value == "" {
		out.BatchSize = ResolvedValue{Source: SourceDefault}
	}

	return out, nil
}

// EffectiveBatchSize parses the resolved batch size, falling back when the
// value is absent or malformed.
func (c ResolvedConfig) EffectiveBatchSize(fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.BatchSize.Value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// apply overwrites the target when the incoming value is non-empty. Later
// calls win, which is what gives CLI flags the highest precedence.
func apply(target *ResolvedValue, value string, source ValueSource, from string) {
	v := strings.TrimSpace(value)
	if v == "" {
		return
	}
	*target = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(target *ResolvedValue, key string) {
	apply(target, os.Getenv(key), SourceEnv, key)
}
