package models

import (
	"fmt"

	"tangled.sh/cosmos/pipeline/workflow"
)

// PhaseOf maps a declared step kind onto its phase. Undeclared kinds run
// as tests.
func PhaseOf(kind string) Phase {
	switch kind {
	case workflow.StepKindTypeCheck:
		return PhaseTypeCheck
	default:
		return PhaseTest
	}
}

// UserSteps converts the declared steps, in order.
func UserSteps(cw workflow.CompiledWorkflow) []Step {
	steps := make([]Step, 0, len(cw.Steps))
	for i, s := range cw.Steps {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("Step %d", i+1)
		}
		steps = append(steps, NewShellStep(name, StepKindUser, PhaseOf(s.Kind), s.Script(), s.WorkDir, s.Environment))
	}
	return steps
}
