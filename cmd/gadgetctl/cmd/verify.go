package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/blockberries/gadgetberry/node"
	"github.com/blockberries/gadgetberry/types"
)

var ErrVerifyFailed = errors.New("journal verification failed")

// verifyReport is the output of verify
type verifyReport struct {
	Records      int                    `json:"records"`
	Finalized    []types.FinalizedState `json:"finalized"`
	Mismatches   []node.Mismatch        `json:"mismatches"`
	Rejected     int                    `json:"rejected"`
	Truncated    bool                   `json:"truncated"`
	Checkpointed bool                   `json:"checkpointed"`
	Checkpoint   uint64                 `json:"checkpoint_round,omitempty"`
	Superseded   int                    `json:"superseded,omitempty"`
	Halted       string                 `json:"halted,omitempty"`
	OK           bool                   `json:"ok"`
}

func verifyCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the journal and check every journaled decision is reproduced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, res, err := e.replay()
			if err != nil {
				return err
			}

			report := verifyReport{
				Records:      res.Records,
				Finalized:    res.Finalized,
				Mismatches:   res.Mismatches,
				Rejected:     res.Rejected,
				Truncated:    res.Truncated,
				Checkpointed: res.Checkpointed,
				Checkpoint:   res.CheckpointRound,
				Superseded:   res.Superseded,
			}
			if halted := eng.Halted(); halted != nil {
				report.Halted = halted.Error()
			}
			report.OK = len(report.Mismatches) == 0 && report.Halted == ""

			out := cmd.OutOrStdout()
			if err := writeJSON(out, report); err != nil {
				return err
			}
			if e.metrics != nil {
				if err := writeMetrics(out, e.metrics); err != nil {
					return err
				}
			}

			if !report.OK {
				return fmt.Errorf("%w: %d mismatches, halted=%t", ErrVerifyFailed, len(report.Mismatches), report.Halted != "")
			}
			return nil
		},
	}
}

// writeMetrics prints counters and gauges gathered during replay
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
			default:
				continue
			}
			fmt.Fprintf(w, "%s%s %g\n", mf.GetName(), formatLabels(m.GetLabel()), value)
		}
	}
	return nil
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
