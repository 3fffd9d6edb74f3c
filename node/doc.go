// Package node wires the finality engine into a running node.
//
// Gadget is the ingress wrapper the transport and governance collaborators
// talk to. Votes arrive from many peer connections through Submit, which
// never blocks: it drops exact retransmits using an LRU of vote digests and
// otherwise hands the vote to a bounded queue, returning ErrQueueFull when
// the queue is saturated. A single writer goroutine started by Run drains
// the queue.
//
// Every input that changes engine state is journaled before it is applied:
//
//	vote     -> wal.MsgTypeVote     -> Engine.AcceptVoteAt
//	refresh  -> wal.MsgTypeRefresh  -> Engine.Refresh
//	rollback -> wal.MsgTypeRollback -> Engine.Rollback
//
// After a round first finalizes, a wal.MsgTypeRoundFinalized marker is
// appended. Replay rebuilds an engine from the journal and reports any
// marker the rebuilt engine does not reproduce. Votes are applied with their
// journaled arrival time. Recover does the same for a restarting node and
// returns a Gadget that keeps appending to the journal.
//
// Checkpoint syncs a record of the engine's full state (registry, retained
// rounds, finalized watermark and equivocation evidence) and then drops
// older journal segments of rounds the commit layer has applied. Replay
// restores the engine from the newest checkpoint record and applies only the
// records after it; earlier records are reported as superseded.
//
// # Usage Example
//
//	g, res, err := node.Recover(nodeCfg, engineCfg, genesis, logger)
//	if err != nil {
//	    return err
//	}
//	logger.Info("recovered", zap.Int("records", res.Records))
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go g.Run(ctx)
//
//	// From the transport layer
//	if err := g.Submit(vote); errors.Is(err, node.ErrQueueFull) {
//	    // apply backpressure
//	}
//
//	cancel()
//	g.Stop()
package node
