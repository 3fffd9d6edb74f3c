package engine

import "fmt"

// RollbackPolicy decides what a rollback does to validators flagged faulty
// in the rolled-back round.
type RollbackPolicy string

const (
	// RollbackKeepFaulty drops the round's equivocation records but leaves
	// faulty status in place. Only a registry refresh re-admits the stake.
	RollbackKeepFaulty RollbackPolicy = "keep-faulty"

	// RollbackClearFaulty also un-flags validators whose only equivocations
	// were in the rolled-back round, restoring their weight in other rounds.
	RollbackClearFaulty RollbackPolicy = "clear-faulty"
)

// Valid returns true for a known policy
func (p RollbackPolicy) Valid() bool {
	return p == RollbackKeepFaulty || p == RollbackClearFaulty
}

// Config holds configuration for the finality engine
type Config struct {
	// ChainID identifies the chain of rounds this engine decides
	ChainID string `mapstructure:"chain_id"`

	// RollbackPolicy selects rollback behavior for faulty status
	RollbackPolicy RollbackPolicy `mapstructure:"rollback_policy"`

	// MaxRetainedRounds bounds the rounds held in memory. Rounds above the
	// highest finalized round are never pruned. Zero means unbounded.
	MaxRetainedRounds int `mapstructure:"max_retained_rounds"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:           "gadgetberry-chain",
		RollbackPolicy:    RollbackKeepFaulty,
		MaxRetainedRounds: 1024,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return fmt.Errorf("%w: empty chain id", ErrInvalidConfig)
	}
	if !cfg.RollbackPolicy.Valid() {
		return fmt.Errorf("%w: unknown rollback policy %q", ErrInvalidConfig, cfg.RollbackPolicy)
	}
	if cfg.MaxRetainedRounds < 0 {
		return fmt.Errorf("%w: negative max retained rounds", ErrInvalidConfig)
	}
	return nil
}
