package node

import "errors"

// Gadget errors
var (
	ErrQueueFull      = errors.New("vote queue full")
	ErrAlreadyStarted = errors.New("gadget already running")
	ErrStopped        = errors.New("gadget stopped")
	ErrReplayFailed   = errors.New("journal replay failed")
	ErrInvalidConfig  = errors.New("invalid node config")

	ErrCheckpointNotFinal = errors.New("checkpoint round above highest finalized round")
)
