package cmd

import (
	"github.com/spf13/cobra"
)

const (
	roundKey = "round"
	allKey   = "all"
)

func statusCommand(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Print the engine status, or the snapshot of one round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, _, err := e.replay()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			flags := cmd.Flags()
			if all, _ := flags.GetBool(allKey); all {
				return writeJSON(out, eng.SnapshotAll())
			}
			if flags.Changed(roundKey) {
				round, err := flags.GetUint64(roundKey)
				if err != nil {
					return err
				}
				snap, err := eng.Snapshot(round)
				if err != nil {
					return err
				}
				return writeJSON(out, snap)
			}
			return writeJSON(out, eng.Status())
		},
	}
	c.Flags().Uint64(roundKey, 0, "Round to snapshot")
	c.Flags().Bool(allKey, false, "Snapshot every retained round")
	return c
}
