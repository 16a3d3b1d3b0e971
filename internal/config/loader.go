package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// ReferenceDirs are the ranked candidate directories holding
	// indirection records, most persistent first.
	ReferenceDirs []string `json:"reference_dirs" yaml:"reference_dirs" toml:"reference_dirs"`
	// SharedDir is the preferred artifact volume (shared/public storage).
	SharedDir string `json:"shared_dir" yaml:"shared_dir" toml:"shared_dir"`
	// DataDir is the app-scoped artifact volume used when SharedDir is
	// unavailable; also holds the ledger unless LedgerDir overrides it.
	DataDir   string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LedgerDir string `json:"ledger_dir" yaml:"ledger_dir" toml:"ledger_dir"`

	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	LoadTimeoutSec    int `json:"load_timeout_sec" yaml:"load_timeout_sec" toml:"load_timeout_sec"`
	InferTimeoutSec   int `json:"infer_timeout_sec" yaml:"infer_timeout_sec" toml:"infer_timeout_sec"`
	ConnectTimeoutSec int `json:"connect_timeout_sec" yaml:"connect_timeout_sec" toml:"connect_timeout_sec"`
	ReadTimeoutSec    int `json:"read_timeout_sec" yaml:"read_timeout_sec" toml:"read_timeout_sec"`

	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LogLevel     string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile      string   `json:"log_file" yaml:"log_file" toml:"log_file"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
