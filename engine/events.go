package engine

import (
	"github.com/blockberries/gadgetberry/types"
)

// FinalizationEvent is emitted once when a round first finalizes
type FinalizationEvent struct {
	ChainID    string     `json:"chain_id"`
	Round      uint64     `json:"round"`
	Hash       types.Hash `json:"hash"`
	Stake      uint64     `json:"stake"`
	Generation uint64     `json:"generation"`
}

// EquivocationEvent is emitted whenever a validator is newly flagged faulty
type EquivocationEvent struct {
	ChainID       string                   `json:"chain_id"`
	Record        types.EquivocationRecord `json:"record"`
	ExcludedStake uint64                   `json:"excluded_stake"`
}

// Listener receives engine events. Callbacks run on the goroutine that
// called into the engine, after the engine lock is released, in the order
// the events were produced. A listener may call back into the engine.
type Listener interface {
	OnFinalized(FinalizationEvent)
	OnEquivocation(EquivocationEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Finalized    func(FinalizationEvent)
	Equivocation func(EquivocationEvent)
}

// OnFinalized implements Listener.
func (l ListenerFuncs) OnFinalized(ev FinalizationEvent) {
	if l.Finalized != nil {
		l.Finalized(ev)
	}
}

// OnEquivocation implements Listener.
func (l ListenerFuncs) OnEquivocation(ev EquivocationEvent) {
	if l.Equivocation != nil {
		l.Equivocation(ev)
	}
}

// event is a pending notification collected under the engine lock
type event struct {
	finalized    *FinalizationEvent
	equivocation *EquivocationEvent
}

func dispatch(listeners []Listener, events []event) {
	for _, ev := range events {
		for _, l := range listeners {
			switch {
			case ev.finalized != nil:
				l.OnFinalized(*ev.finalized)
			case ev.equivocation != nil:
				l.OnEquivocation(*ev.equivocation)
			}
		}
	}
}
