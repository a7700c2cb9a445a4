package pipeline

import (
	"fmt"
)

// Stage names used in errors, phase tracking and metrics.
const (
	StageLoad       = "load"
	StageFetch      = "fetch"
	StagePrefilter  = "prefilter"
	StageScore      = "score"
	StageSynthesize = "synthesize"
	StageReflect    = "reflect"
	StagePersist    = "persist"
)

// StageError aborts a run. It names the stage that failed and how many
// items were in flight so the failure signal is diagnosable.
type StageError struct {
	Stage    string
	InFlight int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed with %d items in flight: %v", e.Stage, e.InFlight, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, inFlight int, err error) *StageError {
	return &StageError{Stage: stage, InFlight: inFlight, Err: err}
}
