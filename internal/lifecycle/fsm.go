// Package lifecycle implements the orchestrator's stage state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// Transition table: from -> allowed tos. Every work stage may end the run early.
var validTransitions = map[types.Stage][]types.Stage{
	types.StageAcquireLock:  {types.StageCalendar, types.StageAborted},
	types.StageCalendar:     {types.StageIngest, types.StageDone},
	types.StageIngest:       {types.StageCompleteness, types.StageDone},
	types.StageCompleteness: {types.StageImpute, types.StageDone},
	types.StageImpute:       {types.StageCalc, types.StageDone},
	types.StageCalc:         {types.StageDone},
	types.StageDone:         {},
	types.StageAborted:      {},
}

// CanTransition checks if moving from one stage to another is valid.
func CanTransition(from, to types.Stage) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a stage change.
func Transition(from, to types.Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Next returns the stage that follows from on the normal path, or DONE.
func Next(from types.Stage) types.Stage {
	allowed := validTransitions[from]
	if len(allowed) == 0 {
		return from
	}
	return allowed[0]
}

// IsTerminal returns true if the stage ends the run.
func IsTerminal(s types.Stage) bool {
	return s == types.StageDone || s == types.StageAborted
}

// Machine tracks the current stage of one run and the path taken.
type Machine struct {
	current types.Stage
	path    []types.Stage
}

// NewMachine starts a machine at ACQUIRE_LOCK.
func NewMachine() *Machine {
	return &Machine{current: types.StageAcquireLock, path: []types.Stage{types.StageAcquireLock}}
}

// Current returns the current stage.
func (m *Machine) Current() types.Stage { return m.current }

// Path returns every stage entered so far, in order.
func (m *Machine) Path() []types.Stage {
	out := make([]types.Stage, len(m.path))
	copy(out, m.path)
	return out
}

// Advance moves to the given stage.
func (m *Machine) Advance(to types.Stage) error {
	if err := Transition(m.current, to); err != nil {
		return err
	}
	m.current = to
	m.path = append(m.path, to)
	return nil
}
