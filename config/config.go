// Package config loads gadgetberry configuration from a file, GADGET_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blockberries/gadgetberry/engine"
	gadgetlog "github.com/blockberries/gadgetberry/log"
	"github.com/blockberries/gadgetberry/node"
	"github.com/blockberries/gadgetberry/types"
)

// EnvPrefix is the prefix of environment overrides. The key
// node.journal_dir is read from GADGET_NODE_JOURNAL_DIR.
const EnvPrefix = "GADGET"

// Flag names bound by AddFlags
const (
	ChainIDKey        = "chain-id"
	RollbackPolicyKey = "rollback-policy"
	JournalKey        = "journal"
	GenesisKey        = "genesis"
	LogLevelKey       = "log-level"
	LogFormatKey      = "log-format"
)

var flagKeys = map[string]string{
	ChainIDKey:        "engine.chain_id",
	RollbackPolicyKey: "engine.rollback_policy",
	JournalKey:        "node.journal_dir",
	GenesisKey:        "genesis_file",
	LogLevelKey:       "log.level",
	LogFormatKey:      "log.format",
}

// Errors
var (
	ErrInvalidGenesis = errors.New("invalid genesis registry")
	ErrInvalidMetrics = errors.New("invalid metrics config")
)

// LogConfig selects the logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls prometheus collection
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Config aggregates the configuration of every component
type Config struct {
	Engine      engine.Config `mapstructure:"engine"`
	Node        node.Config   `mapstructure:"node"`
	Log         LogConfig     `mapstructure:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	GenesisFile string        `mapstructure:"genesis_file"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: *engine.DefaultConfig(),
		Node:   *node.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: gadgetlog.FormatJSON,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "gadget",
		},
	}
}

// ValidateBasic validates every section
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Engine.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Node.ValidateBasic(); err != nil {
		return err
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Namespace == "" {
		return fmt.Errorf("%w: namespace required when enabled", ErrInvalidMetrics)
	}
	return nil
}

// AddFlags registers the flags Load understands
func AddFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()
	flags.String(ChainIDKey, def.Engine.ChainID, "Chain identifier attached to events and logs")
	flags.String(RollbackPolicyKey, string(def.Engine.RollbackPolicy), "Rollback policy for faulty status (keep-faulty, clear-faulty)")
	flags.String(JournalKey, def.Node.JournalDir, "Journal directory")
	flags.String(GenesisKey, def.GenesisFile, "Genesis registry file (JSON)")
	flags.String(LogLevelKey, def.Log.Level, "Log level (debug, info, warn, error)")
	flags.String(LogFormatKey, def.Log.Format, "Log format (json, console)")
}

// Load reads the configuration. An empty path skips the config file. Flags
// registered with AddFlags override the file and the environment when set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides are seen by Unmarshal
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("engine.chain_id", def.Engine.ChainID)
	v.SetDefault("engine.rollback_policy", string(def.Engine.RollbackPolicy))
	v.SetDefault("engine.max_retained_rounds", def.Engine.MaxRetainedRounds)

	v.SetDefault("node.queue_size", def.Node.QueueSize)
	v.SetDefault("node.dedupe_cache_size", def.Node.DedupeCacheSize)
	v.SetDefault("node.journal_dir", def.Node.JournalDir)
	v.SetDefault("node.journal_sync", def.Node.JournalSync)
	v.SetDefault("node.journal_max_segment_bytes", def.Node.JournalMaxSegmentBytes)
	v.SetDefault("node.flush_interval", def.Node.FlushInterval)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.namespace", def.Metrics.Namespace)

	v.SetDefault("genesis_file", def.GenesisFile)
}

// LoadGenesis reads a JSON registry as supplied by governance
func LoadGenesis(path string) (*types.Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no genesis file configured", ErrInvalidGenesis)
	}
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data types.RegistryData
	if err := json.Unmarshal(bz, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}
	reg, err := types.RegistryFromData(&data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGenesis, err)
	}
	return reg, nil
}

// WriteGenesis writes reg in the format LoadGenesis reads
func WriteGenesis(path string, reg *types.Registry) error {
	bz, err := json.MarshalIndent(reg.ToData(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bz, 0644)
}
