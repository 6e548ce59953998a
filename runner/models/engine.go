package models

import (
	"context"
	"io"
	"time"

	"tangled.sh/cosmos/pipeline/workflow"
)

// StepOutput is where an engine sends a step's output.
type StepOutput struct {
	Stdout io.Writer
	Stderr io.Writer
}

type Engine interface {
	InitWorkflow(cw workflow.CompiledWorkflow) (*Workflow, error)
	SetupWorkflow(ctx context.Context, rid RunId, wf *Workflow) error
	WorkflowTimeout() time.Duration
	DestroyWorkflow(ctx context.Context, rid RunId) error
	RunStep(ctx context.Context, rid RunId, w *Workflow, idx int, out StepOutput) error
}
