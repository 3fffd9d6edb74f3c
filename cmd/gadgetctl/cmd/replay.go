package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/blockberries/gadgetberry/engine"
	"github.com/blockberries/gadgetberry/node"
)

// replaySummary closes the replay output
type replaySummary struct {
	Records    int                       `json:"records"`
	Votes      map[engine.ResultKind]int `json:"votes"`
	Refreshes  int                       `json:"refreshes"`
	Rollbacks  int                       `json:"rollbacks"`
	Rejected   int                       `json:"rejected"`
	Finalized  int                       `json:"finalized"`
	Mismatches int                       `json:"mismatches"`
	Truncated  bool                      `json:"truncated"`
}

func replayCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay the journal and print the outcome of every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())

			var hookErr error
			hook := func(o node.RecordOutcome) {
				if hookErr == nil {
					hookErr = enc.Encode(o)
				}
			}

			_, res, err := e.replay(node.WithRecordHook(hook))
			if err != nil {
				return err
			}
			if hookErr != nil {
				return hookErr
			}

			return enc.Encode(replaySummary{
				Records:    res.Records,
				Votes:      res.Votes,
				Refreshes:  res.Refreshes,
				Rollbacks:  res.Rollbacks,
				Rejected:   res.Rejected,
				Finalized:  len(res.Finalized),
				Mismatches: len(res.Mismatches),
				Truncated:  res.Truncated,
			})
		},
	}
}
