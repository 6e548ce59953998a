package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner/config"
	"tangled.sh/cosmos/pipeline/runner/db"
	"tangled.sh/cosmos/pipeline/runner/engine"
	"tangled.sh/cosmos/pipeline/runner/engines/docker"
	"tangled.sh/cosmos/pipeline/runner/engines/local"
	"tangled.sh/cosmos/pipeline/runner/models"
	"tangled.sh/cosmos/pipeline/runner/notifier"
	"tangled.sh/cosmos/pipeline/runner/queue"
	"tangled.sh/cosmos/pipeline/workflow"
)

var ErrQueueFull = errors.New("queue is full")

// EngineFactory builds the engine a compiled workflow names.
type EngineFactory func(ctx context.Context, cfg *config.Config, name string) (models.Engine, error)

func DefaultEngines(ctx context.Context, cfg *config.Config, name string) (models.Engine, error) {
	switch name {
	case "local":
		return local.New(ctx, cfg)
	case "docker":
		return docker.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", workflow.UnknownEngine, name)
	}
}

// Runner matches events against the repository's pipeline and runs what
// matched.
type Runner struct {
	l   *slog.Logger
	cfg *config.Config
	db  *db.DB
	n   *notifier.Notifier
	jq  *queue.Queue
	wf  workflow.Workflow

	newEngine EngineFactory
	engineMu  sync.Mutex
	engines   map[string]models.Engine

	// queued runs execute under ctx; cancel ends them
	ctx    context.Context
	cancel context.CancelFunc

	// Echo receives the raw output of every step.
	Echo io.Writer
}

// Pending is a run that matched and was recorded, but has not started.
type Pending struct {
	Id       models.RunId
	Compiled workflow.CompiledWorkflow
	// Warnings from compiling the workflow.
	Warnings []workflow.Warning
}

func New(ctx context.Context, cfg *config.Config, factory EngineFactory) (*Runner, error) {
	wf, err := workflow.Load(cfg.Pipelines.WorkflowFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to setup db: %w", err)
	}

	if factory == nil {
		factory = DefaultEngines
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return &Runner{
		ctx:       runCtx,
		cancel:    cancel,
		l:         log.SubLogger(log.FromContext(ctx), "runner"),
		cfg:       cfg,
		db:        d,
		n:         notifier.New(),
		jq:        queue.NewQueue(cfg.Server.QueueSize, cfg.Server.Workers),
		wf:        wf,
		newEngine: factory,
		engines:   make(map[string]models.Engine),
	}, nil
}

// Start launches the workers that drain enqueued runs. Enqueued runs are
// cancelled once ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.cancel()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.jq.Start()
}

// Close cancels running runs, marks the queued ones cancelled and closes the
// status store.
func (r *Runner) Close() error {
	r.cancel()
	r.jq.Stop()
	return r.db.Close()
}

func (r *Runner) DB() *db.DB {
	return r.db
}

func (r *Runner) Workflow() workflow.Workflow {
	return r.wf
}

func (r *Runner) engineFor(ctx context.Context, name string) (models.Engine, error) {
	r.engineMu.Lock()
	defer r.engineMu.Unlock()

	if eng, ok := r.engines[name]; ok {
		return eng, nil
	}

	eng, err := r.newEngine(ctx, r.cfg, name)
	if err != nil {
		return nil, fmt.Errorf("failed to setup %s engine: %w", name, err)
	}
	r.engines[name] = eng
	return eng, nil
}

// Compile matches tr against the pipeline. It returns nil without error when
// the trigger does not match.
func (r *Runner) Compile(tr workflow.Trigger) (*workflow.CompiledWorkflow, workflow.Diagnostics, error) {
	tr = tr.WithRepo(r.cfg.Pipelines.CloneURL, r.cfg.Pipelines.DefaultBranch)

	compiler := workflow.Compiler{Trigger: tr}
	cw := compiler.Compile(r.wf)
	if compiler.Diagnostics.IsErr() {
		return nil, compiler.Diagnostics, compiler.Diagnostics.Err()
	}
	return cw, compiler.Diagnostics, nil
}

// Trigger records a pending run for tr. A trigger that does not match
// yields a nil Pending and no error.
func (r *Runner) Trigger(ctx context.Context, tr workflow.Trigger) (*Pending, error) {
	l := r.l.With("trigger", tr.String())

	cw, diags, err := r.Compile(tr)
	if err != nil {
		l.Error("invalid workflow", "error", err)
		return nil, err
	}
	for _, w := range diags.Warnings {
		l.Warn(w.String())
	}
	if cw == nil {
		l.Info("trigger did not match; nothing to run")
		return nil, nil
	}

	p := &Pending{
		Id:       models.NewRunId(cw.Name),
		Compiled: *cw,
		Warnings: diags.Warnings,
	}

	if err := r.db.StatusPending(p.Id, cw.Trigger, r.n); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	l.Info("run pending", "run", p.Id.String())

	return p, nil
}

// Execute runs a pending run to completion.
func (r *Runner) Execute(ctx context.Context, p *Pending) *engine.RunResult {
	ctx = log.IntoContext(ctx, r.l)

	opts := engine.Options{
		Store:       r.db,
		Notifier:    r.n,
		LogDir:      r.cfg.Pipelines.LogDir,
		Echo:        r.Echo,
		OutputLimit: r.cfg.Pipelines.OutputLimit,
	}

	eng, err := r.engineFor(ctx, p.Compiled.Engine)
	if err != nil {
		r.l.Error("no engine for run", "run", p.Id.String(), "error", err)
		err = fmt.Errorf("%w: %w", engine.ErrProvision, err)
		if serr := r.db.StatusFailed(p.Id, err.Error(), -1, r.n); serr != nil {
			r.l.Error("failed to record workflow status", "error", serr)
		}
		return &engine.RunResult{Id: p.Id, Workflow: p.Compiled.Name, Err: err}
	}

	return engine.StartWorkflow(ctx, eng, p.Compiled, p.Id, opts)
}

// Run triggers and executes synchronously. The result is nil when the
// trigger did not match.
func (r *Runner) Run(ctx context.Context, tr workflow.Trigger) (*Pending, *engine.RunResult, error) {
	p, err := r.Trigger(ctx, tr)
	if err != nil || p == nil {
		return p, nil, err
	}
	return p, r.Execute(ctx, p), nil
}

// Enqueue triggers and hands the run to the worker pool. The run does not
// depend on ctx once recorded; it ends with the runner. A full queue cancels
// the run it just recorded.
func (r *Runner) Enqueue(ctx context.Context, tr workflow.Trigger) (*Pending, error) {
	p, err := r.Trigger(ctx, tr)
	if err != nil || p == nil {
		return p, err
	}

	ok := r.jq.Enqueue(queue.Job{
		Run: func() error {
			if err := r.ctx.Err(); err != nil {
				r.l.Warn("runner stopped before run started", "run", p.Id.String())
				if serr := r.db.StatusCancelled(p.Id, err.Error(), r.n); serr != nil {
					r.l.Error("failed to record workflow status", "error", serr)
				}
				return err
			}
			res := r.Execute(r.ctx, p)
			return res.Err
		},
		OnFail: func(jobError error) {
			r.l.Error("pipeline run failed", "run", p.Id.String(), "error", jobError)
		},
	})
	if !ok {
		r.l.Error("failed to enqueue pipeline: queue is full", "run", p.Id.String())
		if err := r.db.StatusCancelled(p.Id, ErrQueueFull.Error(), r.n); err != nil {
			r.l.Error("failed to record workflow status", "error", err)
		}
		return nil, ErrQueueFull
	}

	r.l.Info("pipeline enqueued successfully", "run", p.Id.String())
	return p, nil
}
