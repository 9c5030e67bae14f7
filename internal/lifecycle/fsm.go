// Package lifecycle implements the execution stage state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// Transition table: from -> allowed tos.
// running -> pending happens when a queue retry is scheduled; failed -> running
// when a failed execution is re-run.
var validTransitions = map[types.StageStatus][]types.StageStatus{
	types.StagePending:   {types.StageRunning},
	types.StageRunning:   {types.StageCompleted, types.StageFailed, types.StagePending},
	types.StageCompleted: {},
	types.StageFailed:    {types.StageRunning},
}

// CanTransition checks if transitioning from one stage status to another is valid.
func CanTransition(from, to types.StageStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates the move, returning an error if it is not allowed.
func Transition(from, to types.StageStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid stage transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status is a terminal (final) state.
func IsTerminal(status types.StageStatus) bool {
	return status == types.StageCompleted || status == types.StageFailed
}
