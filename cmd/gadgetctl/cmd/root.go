// Package cmd implements the gadgetctl operator commands. Every command
// rebuilds the finality engine from the journal, starting at its newest
// checkpoint record or at the genesis registry, so it works against a
// stopped node or a copy of its journal directory.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockberries/gadgetberry/config"
	"github.com/blockberries/gadgetberry/engine"
	gadgetlog "github.com/blockberries/gadgetberry/log"
	"github.com/blockberries/gadgetberry/node"
	"github.com/blockberries/gadgetberry/types"
)

const configFileKey = "config"

var ErrNoJournal = errors.New("no journal directory configured")

// env carries what PersistentPreRunE loaded to the subcommands
type env struct {
	cfg     *config.Config
	genesis *types.Registry
	logger  *zap.Logger
	metrics *prometheus.Registry
}

// NewRootCommand builds the gadgetctl command tree
func NewRootCommand() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "gadgetctl",
		Short:         "Inspect and operate a finality gadget journal",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String(configFileKey, "", "Config file (yaml, toml or json)")
	config.AddFlags(flags)

	root.AddCommand(
		statusCommand(e),
		verifyCommand(e),
		rollbackCommand(e),
		replayCommand(e),
	)
	return root
}

func (e *env) load(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(configFileKey)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Node.JournalDir == "" {
		return ErrNoJournal
	}

	logger, err := gadgetlog.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	genesis, err := config.LoadGenesis(cfg.GenesisFile)
	if err != nil {
		return err
	}

	e.cfg = cfg
	e.genesis = genesis
	e.logger = logger
	return nil
}

// replay rebuilds the engine from the journal
func (e *env) replay(opts ...node.ReplayOption) (*engine.Engine, *node.ReplayResult, error) {
	engineOpts := []engine.Option{engine.WithLogger(e.logger)}
	if e.cfg.Metrics.Enabled {
		e.metrics = prometheus.NewRegistry()
		m, err := engine.NewMetrics(e.cfg.Metrics.Namespace, e.metrics)
		if err != nil {
			return nil, nil, err
		}
		engineOpts = append(engineOpts, engine.WithMetrics(m))
	}

	opts = append(opts,
		node.WithEngineOptions(engineOpts...),
		node.WithReplayLogger(e.logger))
	return node.Replay(e.cfg.Node.JournalDir, e.genesis, &e.cfg.Engine, opts...)
}

// recover rebuilds the engine and reopens the journal for appending
func (e *env) recover() (*node.Gadget, *node.ReplayResult, error) {
	return node.Recover(&e.cfg.Node, &e.cfg.Engine, e.genesis, e.logger, engine.WithLogger(e.logger))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
