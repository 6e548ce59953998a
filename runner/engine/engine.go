package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner/models"
	"tangled.sh/cosmos/pipeline/runner/notifier"
	"tangled.sh/cosmos/pipeline/workflow"
)

// StatusStore records the lifecycle of a run. *db.DB implements it.
type StatusStore interface {
	StatusRunning(rid models.RunId, n *notifier.Notifier) error
	StatusFailed(rid models.RunId, workflowError string, exitCode int64, n *notifier.Notifier) error
	StatusTimeout(rid models.RunId, workflowError string, n *notifier.Notifier) error
	StatusCancelled(rid models.RunId, workflowError string, n *notifier.Notifier) error
	StatusSuccess(rid models.RunId, n *notifier.Notifier) error
}

type Options struct {
	Store    StatusStore
	Notifier *notifier.Notifier
	// LogDir receives <run id>.log as JSON lines; empty keeps logs in memory.
	LogDir string
	// Echo, if set, receives every step's raw output as it is produced.
	Echo io.Writer
	// OutputLimit bounds the captured output kept per step.
	OutputLimit int
}

type StepResult struct {
	Index    int
	Name     string
	Phase    models.Phase
	Kind     models.StepKind
	Success  bool
	Duration time.Duration
	Output   string
	// OutputSize counts every byte the step produced, including bytes
	// dropped from Output.
	OutputSize int64
	Truncated  bool
}

type RunResult struct {
	Id         models.RunId
	Workflow   string
	Success    bool
	Steps      []StepResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// StepError returns the failing step's error, if a step failed.
func (r *RunResult) StepError() *StepError {
	var se *StepError
	if errors.As(r.Err, &se) {
		return se
	}
	return nil
}

// StartWorkflow runs one compiled workflow to completion on a fresh run
// context: steps execute strictly in order and the first failure stops the
// run. The run context is destroyed on every exit path.
func StartWorkflow(ctx context.Context, eng models.Engine, cw workflow.CompiledWorkflow, rid models.RunId, opts Options) *RunResult {
	l := log.SubLogger(log.FromContext(ctx), "engine").With("run", rid.String())

	result := &RunResult{
		Id:        rid,
		Workflow:  cw.Name,
		StartedAt: time.Now(),
	}
	finish := func(err error) *RunResult {
		result.FinishedAt = time.Now()
		result.Err = err
		result.Success = err == nil
		for _, s := range result.Steps {
			result.Success = result.Success && s.Success
		}
		recordFinish(l, opts, rid, err)
		return result
	}

	wf, err := eng.InitWorkflow(cw)
	if err != nil {
		l.Error("failed to init workflow", "error", err)
		return finish(fmt.Errorf("%w: init: %w", ErrProvision, err))
	}

	if opts.Store != nil {
		if err := opts.Store.StatusRunning(rid, opts.Notifier); err != nil {
			l.Error("failed to set workflow status to running", "error", err)
		}
	}

	wfLogger, err := models.NewWorkflowLogger(opts.LogDir, rid)
	if err != nil {
		l.Warn("failed to setup step logger; logs will not be persisted", "error", err)
		wfLogger = models.NewWorkflowLoggerTo(io.Discard)
	}
	defer wfLogger.Close()

	if timeout := eng.WorkflowTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		l.Info("using workflow timeout", "timeout", timeout)
	}

	// registered before setup, so a partially provisioned context is
	// released too
	defer func() {
		if err := eng.DestroyWorkflow(context.WithoutCancel(ctx), rid); err != nil {
			l.Error("failed to destroy run context", "error", err)
		}
	}()

	if err := eng.SetupWorkflow(ctx, rid, wf); err != nil {
		l.Error("setting up run context failed", "error", err)
		return finish(fmt.Errorf("%w: %w", ErrProvision, err))
	}

	for idx, step := range wf.Steps {
		sr, err := runStep(ctx, eng, rid, wf, idx, step, wfLogger, opts)
		result.Steps = append(result.Steps, sr)

		if err != nil {
			l.Error("step failed", "step", step.Name(), "phase", step.Phase(), "error", err)
			return finish(err)
		}
	}

	l.Info("workflow succeeded", "steps", len(result.Steps))
	return finish(nil)
}

func runStep(ctx context.Context, eng models.Engine, rid models.RunId, wf *models.Workflow, idx int, step models.Step, wfLogger *models.WorkflowLogger, opts Options) (StepResult, error) {
	sr := StepResult{
		Index: idx,
		Name:  step.Name(),
		Phase: step.Phase(),
		Kind:  step.Kind(),
	}

	capture := NewTailBuffer(opts.OutputLimit)
	stdout := []io.Writer{wfLogger.DataWriter(idx, "stdout"), capture}
	stderr := []io.Writer{wfLogger.DataWriter(idx, "stderr"), capture}
	if opts.Echo != nil {
		stdout = append(stdout, opts.Echo)
		stderr = append(stderr, opts.Echo)
	}
	out := models.StepOutput{
		Stdout: io.MultiWriter(stdout...),
		Stderr: io.MultiWriter(stderr...),
	}

	_ = wfLogger.Control(idx, step, models.StepStatusStart)
	start := time.Now()

	err := eng.RunStep(ctx, rid, wf, idx, out)

	sr.Duration = time.Since(start)
	sr.Output = capture.String()
	sr.OutputSize = capture.Total()
	sr.Truncated = capture.Truncated()
	_ = wfLogger.Control(idx, step, models.StepStatusEnd)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimedOut) {
			err = fmt.Errorf("%w: %w", ErrTimedOut, err)
		}
		return sr, newStepError(idx, step, sr.Output, err)
	}

	sr.Success = true
	return sr, nil
}

func recordFinish(l *slog.Logger, opts Options, rid models.RunId, err error) {
	if opts.Store == nil {
		return
	}

	var serr error
	switch {
	case err == nil:
		serr = opts.Store.StatusSuccess(rid, opts.Notifier)
	case errors.Is(err, ErrTimedOut):
		serr = opts.Store.StatusTimeout(rid, err.Error(), opts.Notifier)
	case errors.Is(err, context.Canceled):
		serr = opts.Store.StatusCancelled(rid, err.Error(), opts.Notifier)
	default:
		exitCode := int64(-1)
		var se *StepError
		if errors.As(err, &se) {
			exitCode = int64(se.ExitCode)
		}
		serr = opts.Store.StatusFailed(rid, err.Error(), exitCode, opts.Notifier)
	}

	if serr != nil {
		l.Error("failed to record workflow status", "error", serr)
	}
}
