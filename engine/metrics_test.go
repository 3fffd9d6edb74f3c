package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("gadget", reg)
	require.NoError(t, err)

	e := newTestEngine(t, fourEqual(t), WithMetrics(m))

	mustAccept(t, e, testVote("dave", 1, hashB), ResultAcceptedPending)
	mustAccept(t, e, testVote("dave", 1, hashB), ResultDuplicateIgnored)
	mustAccept(t, e, testVote("dave", 1, hashC), ResultEquivocationFlagged)
	mustAccept(t, e, testVote("mallory", 1, hashA), ResultRejectedUnknownValidator)
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := e.AcceptVote(testVote(id, 1, hashA))
		require.NoError(t, err)
	}
	_, err = e.Rollback(1)
	require.NoError(t, err)
	require.NoError(t, e.Refresh(makeRegistry(t, 2, map[string]uint64{"alice": 25, "bob": 25, "carol": 25, "dave": 25})))

	pm := m.(*promMetrics)
	require.Equal(t, 1.0, testutil.ToFloat64(pm.votes.WithLabelValues("duplicate_ignored")))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.votes.WithLabelValues("equivocation_flagged")))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.votes.WithLabelValues("rejected_unknown_validator")))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.votes.WithLabelValues("finalized")))
	require.Equal(t, 3.0, testutil.ToFloat64(pm.votes.WithLabelValues("accepted_pending")))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.finalizations))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.equivocations))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.rollbacks))
	require.Equal(t, 2.0, testutil.ToFloat64(pm.refreshes), "genesis registry counts as the first")
	require.Equal(t, 2.0, testutil.ToFloat64(pm.generation))
	require.Equal(t, 100.0, testutil.ToFloat64(pm.totalStake))
	require.Equal(t, 75.0, testutil.ToFloat64(pm.finalizingStake))
}

func TestPrometheusMetricsDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics("gadget", reg)
	require.NoError(t, err)

	_, err = NewMetrics("gadget", reg)
	require.Error(t, err)
}
