package dialog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStateNotFound is returned by repositories when no state exists for a key.
	ErrStateNotFound = errors.New("dialog state not found")
	// ErrStateConflict is returned when a state was modified concurrently.
	// The caller should reload and retry the whole call.
	ErrStateConflict = errors.New("dialog state modified concurrently")
	// ErrScenarioNotFound means no active scenario is configured for a bot.
	ErrScenarioNotFound = errors.New("no active scenario")
	// ErrAdapterNotFound means no platform adapter is configured for a bot.
	ErrAdapterNotFound = errors.New("no platform adapter")
)

// ScenarioIntegrityError reports a reference to a step the scenario does
// not contain. It is a deployment error and is never retried.
type ScenarioIntegrityError struct {
	ScenarioID string
	Step       string
	Target     string
}

func (e *ScenarioIntegrityError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("scenario %q: step %q does not exist", e.ScenarioID, e.Target)
	}
	return fmt.Sprintf("scenario %q: step %q references missing step %q", e.ScenarioID, e.Step, e.Target)
}

// ScenarioLoopError reports an auto-transition chain that reached the
// configured maximum length. Step is where the chain stopped.
type ScenarioLoopError struct {
	ScenarioID string
	Step       string
	Max        int
	Visited    []string
}

func (e *ScenarioLoopError) Error() string {
	tail := e.Visited
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return fmt.Sprintf("scenario %q: auto-transition chain exceeded %d hops at step %q (... %s)",
		e.ScenarioID, e.Max, e.Step, strings.Join(tail, " -> "))
}

// Phase is the stage of a processing call.
type Phase string

const (
	PhaseLoadingState    Phase = "LOADING_STATE"
	PhaseValidatingInput Phase = "VALIDATING_INPUT"
	PhaseProcessingStep  Phase = "PROCESSING_STEP"
	PhaseAutoAdvancing   Phase = "AUTO_ADVANCING"
	PhaseDispatching     Phase = "DISPATCHING"
	PhasePersisting      Phase = "PERSISTING"
	PhaseDone            Phase = "DONE"
	PhaseError           Phase = "ERROR"
)

// ProcessError wraps a failure with the phase it happened in.
type ProcessError struct {
	Phase Phase
	Err   error
}

func (e *ProcessError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }
func (e *ProcessError) Unwrap() error { return e.Err }

// IsFatalScenarioError reports whether err stems from a broken scenario and
// must not be retried.
func IsFatalScenarioError(err error) bool {
	var integrity *ScenarioIntegrityError
	var loop *ScenarioLoopError
	return errors.As(err, &integrity) || errors.As(err, &loop)
}
