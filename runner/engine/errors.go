package engine

import (
	"errors"
	"fmt"

	"tangled.sh/cosmos/pipeline/runner/models"
)

var (
	ErrOOMKilled  = errors.New("oom killed")
	ErrTimedOut   = errors.New("timed out")
	ErrStepFailed = errors.New("step failed")
	ErrProvision  = errors.New("provisioning run context failed")
)

// ErrorKind classifies a failed run by the step that failed.
type ErrorKind string

const (
	SourceUnavailable       ErrorKind = "SourceUnavailable"
	EnvironmentSetupFailed  ErrorKind = "EnvironmentSetupFailed"
	DependencyInstallFailed ErrorKind = "DependencyInstallFailed"
	TestFailure             ErrorKind = "TestFailure"
	TypeCheckFailure        ErrorKind = "TypeCheckFailure"
)

func KindOf(phase models.Phase) ErrorKind {
	switch phase {
	case models.PhaseCheckout:
		return SourceUnavailable
	case models.PhaseSetup:
		return EnvironmentSetupFailed
	case models.PhaseInstall:
		return DependencyInstallFailed
	case models.PhaseTypeCheck:
		return TypeCheckFailure
	default:
		return TestFailure
	}
}

// ExitError is returned by engines when a step's process exits nonzero.
type ExitError struct {
	Code      int
	OOMKilled bool
}

func (e *ExitError) Error() string {
	if e.OOMKilled {
		return fmt.Sprintf("exit code %d (oom killed)", e.Code)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrStepFailed || (e.OOMKilled && target == ErrOOMKilled)
}

// StepError is the single diagnostic a failed run surfaces: which step
// failed, how it is classified, and the tail of its output.
type StepError struct {
	Kind     ErrorKind
	Step     string
	Index    int
	ExitCode int
	Output   string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %d (%s): %v", e.Kind, e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func newStepError(idx int, step models.Step, output string, err error) *StepError {
	se := &StepError{
		Kind:     KindOf(step.Phase()),
		Step:     step.Name(),
		Index:    idx,
		ExitCode: -1,
		Output:   output,
		Err:      err,
	}

	var exit *ExitError
	if errors.As(err, &exit) {
		se.ExitCode = exit.Code
	}

	return se
}
