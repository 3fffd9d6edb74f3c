package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

var ErrRoundRequired = errors.New("--round is required")

func rollbackCommand(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back one round and append the rollback to the journal",
		Long: `Roll back one round: its votes, equivocation records and finalized state
are cleared and the round returns to voting. The rollback is appended to the
journal so the node applies it on its next start.

The node owning the journal must be stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed(roundKey) {
				return ErrRoundRequired
			}
			round, err := cmd.Flags().GetUint64(roundKey)
			if err != nil {
				return err
			}

			g, _, err := e.recover()
			if err != nil {
				return err
			}

			prev, err := g.Rollback(round)
			if stopErr := g.Stop(); err == nil {
				err = stopErr
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), prev)
		},
	}
	c.Flags().Uint64(roundKey, 0, "Round to roll back")
	return c
}
