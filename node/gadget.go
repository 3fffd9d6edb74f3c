package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/gadgetberry/engine"
	"github.com/blockberries/gadgetberry/types"
	"github.com/blockberries/gadgetberry/wal"
)

// Gadget wraps a finality engine for use by a node. Votes from the network
// are queued without blocking and applied by a single writer goroutine.
// Every input is journaled before it reaches the engine, so the engine can be
// rebuilt after a restart with Recover.
type Gadget struct {
	// Serializes journal-then-apply
	mu sync.Mutex

	config  *Config
	engine  *engine.Engine
	journal wal.WAL
	logger  *zap.Logger

	// Digests of votes the engine has already seen
	dedupe *lru.Cache

	queue chan *types.Vote

	runMu   sync.Mutex
	running bool
	stopped bool
}

// NewGadget creates a gadget around eng. A nil journal disables journaling.
// The journal is started here and stopped by Stop.
func NewGadget(config *Config, eng *engine.Engine, journal wal.WAL, logger *zap.Logger) (*Gadget, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if journal == nil {
		journal = &wal.NopWAL{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New(config.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	if err := journal.Start(); err != nil {
		return nil, fmt.Errorf("failed to start journal: %w", err)
	}

	g := &Gadget{
		config:  config,
		engine:  eng,
		journal: journal,
		logger:  logger.With(zap.String("module", "gadget")),
		dedupe:  cache,
		queue:   make(chan *types.Vote, config.QueueSize),
	}
	eng.Subscribe(engine.ListenerFuncs{Finalized: g.onFinalized})

	return g, nil
}

// Engine returns the wrapped engine for read access. Inputs applied
// directly to it bypass the journal.
func (g *Gadget) Engine() *engine.Engine {
	return g.engine
}

// Submit enqueues a vote for the writer goroutine without blocking.
// Exact retransmits of a vote the engine already processed are dropped here.
func (g *Gadget) Submit(vote *types.Vote) error {
	if err := vote.ValidateBasic(); err != nil {
		return err
	}
	if g.isStopped() {
		return ErrStopped
	}
	if g.dedupe.Contains(vote.Digest()) {
		return nil
	}

	select {
	case g.queue <- vote:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueLen returns the number of votes waiting to be applied
func (g *Gadget) QueueLen() int {
	return len(g.queue)
}

// AcceptVote journals a vote and applies it synchronously
func (g *Gadget) AcceptVote(vote *types.Vote) (engine.VoteResult, error) {
	if err := vote.ValidateBasic(); err != nil {
		return engine.VoteResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	digest := vote.Digest()
	if g.dedupe.Contains(digest) {
		return engine.VoteResult{Kind: engine.ResultDuplicateIgnored, Round: vote.Round}, nil
	}

	msg, err := wal.NewVoteMessage(vote, g.engine.Now())
	if err != nil {
		return engine.VoteResult{}, err
	}
	if err := g.writeJournal(msg, g.config.JournalSync); err != nil {
		return engine.VoteResult{}, err
	}

	res, err := g.engine.AcceptVoteAt(vote, msg.At())
	if err != nil {
		return res, err
	}

	switch res.Kind {
	case engine.ResultRejectedUnknownValidator, engine.ResultRejectedStaleRound:
	default:
		g.dedupe.Add(digest, struct{}{})
	}
	return res, nil
}

// Refresh journals and installs a new registry generation
func (g *Gadget) Refresh(reg *types.Registry) error {
	if reg == nil {
		return types.ErrNilRegistry
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Refuse before journaling so replay never sees a stale refresh
	if current := g.engine.Registry().Generation(); reg.Generation() <= current {
		return fmt.Errorf("%w: got %d, current %d", engine.ErrStaleGeneration, reg.Generation(), current)
	}

	msg, err := wal.NewRefreshMessage(reg)
	if err != nil {
		return err
	}
	if err := g.writeJournal(msg, true); err != nil {
		return err
	}

	if err := g.engine.Refresh(reg); err != nil {
		return err
	}
	g.dedupe.Purge()
	return nil
}

// Rollback journals and applies an operator rollback of one round
func (g *Gadget) Rollback(round uint64) (*engine.PreviousState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.writeJournal(wal.NewRollbackMessage(round), true); err != nil {
		return nil, err
	}

	prev, err := g.engine.Rollback(round)
	if err != nil {
		return nil, err
	}
	g.dedupe.Purge()
	return prev, nil
}

// checkpointer is implemented by journals that can drop old segments
type checkpointer interface {
	Checkpoint(round uint64) error
}

// Checkpoint journals the engine's complete state and then drops journal
// segments that only hold rounds at or below round. The round must be
// finalized and its decision applied by the commit layer. Replay starts from
// the newest checkpoint record, so finalized decisions, the finalized
// watermark and faulty validators survive the dropped segments.
func (g *Gadget) Checkpoint(round uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.engine.LastFinalized()
	if !ok || round > last {
		return fmt.Errorf("%w: round %d", ErrCheckpointNotFinal, round)
	}

	cp, ok := g.journal.(checkpointer)
	if !ok {
		return nil
	}

	state, err := g.engine.Checkpoint(round)
	if err != nil {
		return err
	}
	msg, err := wal.NewCheckpointMessage(state)
	if err != nil {
		return err
	}
	if err := g.writeJournal(msg, true); err != nil {
		return err
	}

	if err := cp.Checkpoint(round); err != nil {
		return fmt.Errorf("failed to checkpoint journal: %w", err)
	}
	g.logger.Info("journal checkpointed",
		zap.Uint64("round", round),
		zap.Int("rounds", len(state.Rounds)),
		zap.Int("faulty", len(state.Evidence.Faulty)))
	return nil
}

// Run drains the vote queue until ctx is canceled. When journal writes are
// buffered it also flushes the journal periodically.
func (g *Gadget) Run(ctx context.Context) error {
	g.runMu.Lock()
	if g.running {
		g.runMu.Unlock()
		return ErrAlreadyStarted
	}
	if g.stopped {
		g.runMu.Unlock()
		return ErrStopped
	}
	g.running = true
	g.runMu.Unlock()

	defer func() {
		g.runMu.Lock()
		g.running = false
		g.runMu.Unlock()
	}()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.receiveRoutine(ctx)
		return nil
	})

	if !g.config.JournalSync && g.config.FlushInterval > 0 {
		eg.Go(func() error {
			return g.flushRoutine(ctx)
		})
	}

	return eg.Wait()
}

// receiveRoutine is the single writer loop
func (g *Gadget) receiveRoutine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case vote := <-g.queue:
			g.apply(vote)
		}
	}
}

func (g *Gadget) apply(vote *types.Vote) {
	res, err := g.AcceptVote(vote)
	switch {
	case errors.Is(err, engine.ErrHalted):
		g.logger.Debug("dropping vote while halted",
			zap.String("validator", string(vote.Validator)),
			zap.Uint64("round", vote.Round))
	case err != nil:
		g.logger.Error("failed to apply vote",
			zap.Stringer("vote", vote),
			zap.Error(err))
	default:
		g.logger.Debug("applied vote",
			zap.Stringer("vote", vote),
			zap.Stringer("result", res.Kind))
	}
}

func (g *Gadget) flushRoutine(ctx context.Context) error {
	ticker := time.NewTicker(g.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.journal.FlushAndSync(); err != nil {
				g.logger.Error("failed to flush journal", zap.Error(err))
				return err
			}
		}
	}
}

// Stop flushes and closes the journal. Run must have returned.
// Queued votes that were not applied are discarded.
func (g *Gadget) Stop() error {
	g.runMu.Lock()
	if g.stopped {
		g.runMu.Unlock()
		return nil
	}
	g.stopped = true
	g.runMu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if dropped := len(g.queue); dropped > 0 {
		g.logger.Info("discarding queued votes", zap.Int("count", dropped))
	}
	return g.journal.Stop()
}

func (g *Gadget) isStopped() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.stopped
}

// onFinalized writes a marker after a round first finalizes. It runs on the
// goroutine that applied the input, normally with g.mu held.
func (g *Gadget) onFinalized(ev engine.FinalizationEvent) {
	msg, err := wal.NewRoundFinalizedMessage(&types.FinalizedState{
		Round:      ev.Round,
		Hash:       ev.Hash,
		Stake:      ev.Stake,
		Generation: ev.Generation,
	})
	if err == nil {
		err = g.writeJournal(msg, g.config.JournalSync)
	}
	if err != nil {
		g.logger.Error("failed to journal finalization marker",
			zap.Uint64("round", ev.Round),
			zap.Error(err))
	}
}

// writeJournal appends msg. Caller must hold g.mu.
func (g *Gadget) writeJournal(msg *wal.Message, sync bool) error {
	var err error
	if sync {
		err = g.journal.WriteSync(msg)
	} else {
		err = g.journal.Write(msg)
	}
	if err != nil {
		return fmt.Errorf("failed to journal %s: %w", msg.Type, err)
	}
	return nil
}
