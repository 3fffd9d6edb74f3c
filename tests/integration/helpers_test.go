package integration

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blockberries/gadgetberry/engine"
	"github.com/blockberries/gadgetberry/node"
	"github.com/blockberries/gadgetberry/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	hashA = types.HashBytes([]byte("block-A"))
	hashB = types.HashBytes([]byte("block-B"))
	hashC = types.HashBytes([]byte("block-C"))
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

type stake struct {
	id     string
	weight uint64
}

func newRegistry(t *testing.T, generation uint64, stakes ...stake) *types.Registry {
	t.Helper()
	vals := make([]types.Validator, len(stakes))
	for i, s := range stakes {
		vals[i] = types.Validator{ID: types.ValidatorID(s.id), Weight: s.weight}
	}
	reg, err := types.NewRegistry(generation, vals)
	require.NoError(t, err)
	return reg
}

func vote(id string, round uint64, hash types.Hash) *types.Vote {
	return &types.Vote{
		Validator: types.ValidatorID(id),
		Round:     round,
		Hash:      hash,
		Proof:     []byte("proof-" + id),
	}
}

// recorder collects engine events
type recorder struct {
	finalized     []engine.FinalizationEvent
	equivocations []engine.EquivocationEvent
}

func (r *recorder) OnFinalized(ev engine.FinalizationEvent) {
	r.finalized = append(r.finalized, ev)
}

func (r *recorder) OnEquivocation(ev engine.EquivocationEvent) {
	r.equivocations = append(r.equivocations, ev)
}

func newEngine(t *testing.T, reg *types.Registry, policy engine.RollbackPolicy) (*engine.Engine, *recorder) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.ChainID = "integration"
	if policy != "" {
		cfg.RollbackPolicy = policy
	}
	rec := &recorder{}
	eng, err := engine.NewEngine(cfg, reg, engine.WithClock(fixedClock), engine.WithListener(rec))
	require.NoError(t, err)
	return eng, rec
}

// testNode is a gadget with its own journal directory
type testNode struct {
	name    string
	dir     string
	genesis *types.Registry
	gadget  *node.Gadget
}

func newTestNode(t *testing.T, name string, genesis *types.Registry) *testNode {
	t.Helper()
	n := &testNode{
		name:    name,
		dir:     filepath.Join(t.TempDir(), name),
		genesis: genesis,
	}
	cfg := node.DefaultConfig()
	cfg.JournalDir = n.dir
	cfg.FlushInterval = 5 * time.Millisecond

	g, _, err := node.Recover(cfg, nil, genesis, nil, engine.WithClock(fixedClock))
	require.NoError(t, err)
	n.gadget = g
	t.Cleanup(func() { _ = g.Stop() })
	return n
}

func (n *testNode) accept(t *testing.T, votes ...*types.Vote) []engine.ResultKind {
	t.Helper()
	out := make([]engine.ResultKind, len(votes))
	for i, v := range votes {
		res, err := n.gadget.AcceptVote(v)
		require.NoError(t, err, "%s: %s", n.name, v)
		out[i] = res.Kind
	}
	return out
}

func (n *testNode) finalized(round uint64) (types.Hash, bool) {
	fin, ok := n.gadget.Engine().Finalized(round)
	if !ok {
		return types.Hash{}, false
	}
	return fin.Hash, true
}

// nonZero drops hashes whose stake was fully excluded
func nonZero(stakes map[types.Hash]uint64) map[types.Hash]uint64 {
	out := make(map[types.Hash]uint64)
	for h, s := range stakes {
		if s > 0 {
			out[h] = s
		}
	}
	return out
}

// support maps each hash to every validator that voted for it, with its
// weight. Equivocators appear under each hash they voted for.
func support(reg *types.Registry, votes []*types.Vote) map[types.Hash]map[types.ValidatorID]uint64 {
	out := make(map[types.Hash]map[types.ValidatorID]uint64)
	for _, v := range votes {
		w, ok := reg.StakeOf(v.Validator)
		if !ok {
			continue
		}
		if out[v.Hash] == nil {
			out[v.Hash] = make(map[types.ValidatorID]uint64)
		}
		out[v.Hash][v.Validator] = w
	}
	return out
}

func sum(m map[types.ValidatorID]uint64) uint64 {
	var total uint64
	for _, w := range m {
		total += w
	}
	return total
}

func overlap(a, b map[types.ValidatorID]uint64) uint64 {
	var total uint64
	for id, w := range a {
		if _, ok := b[id]; ok {
			total += w
		}
	}
	return total
}

func hashesOf(m map[types.Hash]map[types.ValidatorID]uint64) []types.Hash {
	out := make([]types.Hash, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func validatorIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("val-%02d", i)
	}
	return ids
}
