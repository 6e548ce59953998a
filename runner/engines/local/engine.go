package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner/config"
	"tangled.sh/cosmos/pipeline/runner/engine"
	"tangled.sh/cosmos/pipeline/runner/models"
	"tangled.sh/cosmos/pipeline/workflow"
)

const (
	workspaceDir = "workspace"
	venvDir      = "venv"
)

// Engine runs steps as host processes. Each run gets a fresh directory
// holding the checked-out tree and a virtualenv; it is removed when the
// run is destroyed.
type Engine struct {
	l       *slog.Logger
	cfg     *config.Config
	timeout time.Duration

	mu   sync.Mutex
	runs map[string]string
}

type addlFields struct {
	env map[string]string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	l := log.FromContext(ctx).With("component", "local-engine")

	timeout, err := cfg.Pipelines.Timeout(time.Hour)
	if err != nil {
		l.Error("failed to parse workflow timeout", "error", err, "timeout", cfg.Pipelines.WorkflowTimeout)
	}

	if _, err := exec.LookPath(cfg.LocalPipelines.Shell); err != nil {
		return nil, fmt.Errorf("shell %q: %w", cfg.LocalPipelines.Shell, err)
	}

	return &Engine{
		l:       l,
		cfg:     cfg,
		timeout: timeout,
		runs:    make(map[string]string),
	}, nil
}

func (e *Engine) InitWorkflow(cw workflow.CompiledWorkflow) (*models.Workflow, error) {
	swf := &models.Workflow{Name: cw.Name}

	if clone, ok := models.BuildCloneStep(cw); ok {
		swf.Steps = append(swf.Steps, clone)
	}
	swf.Steps = append(swf.Steps, setupStep(cw.Python), dependencyStep(cw.Manifest))
	swf.Steps = append(swf.Steps, models.UserSteps(cw)...)

	swf.Data = addlFields{env: cw.Environment}

	return swf, nil
}

func (e *Engine) WorkflowTimeout() time.Duration {
	return e.timeout
}

// SetupWorkflow creates the run's directory with an empty workspace.
func (e *Engine) SetupWorkflow(ctx context.Context, rid models.RunId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "run", rid)

	root := e.cfg.LocalPipelines.WorkspaceRoot
	if root != "" {
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("creating workspace root: %w", err)
		}
	}

	dir, err := os.MkdirTemp(root, "pipeline-"+rid.String()+"-")
	if err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	e.mu.Lock()
	e.runs[rid.String()] = dir
	e.mu.Unlock()

	if err := os.Mkdir(filepath.Join(dir, workspaceDir), 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	return nil
}

func (e *Engine) runDir(rid models.RunId) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir, ok := e.runs[rid.String()]
	if !ok {
		return "", fmt.Errorf("run %s has not been set up", rid)
	}
	return dir, nil
}

func (e *Engine) RunStep(ctx context.Context, rid models.RunId, w *models.Workflow, idx int, out models.StepOutput) error {
	dir, err := e.runDir(rid)
	if err != nil {
		return err
	}
	workspace := filepath.Join(dir, workspaceDir)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	step := w.Steps[idx]
	if clone, ok := step.(models.CloneStep); ok {
		return e.checkout(ctx, workspace, clone, out)
	}

	stepDir, err := securejoin.SecureJoin(workspace, step.WorkDir())
	if err != nil {
		return fmt.Errorf("resolving workdir %q: %w", step.WorkDir(), err)
	}
	if fi, err := os.Stat(stepDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("workdir %q does not exist in workspace", step.WorkDir())
	}

	venv := filepath.Join(dir, venvDir)
	envs := engine.EnvVars(os.Environ())
	if addl, ok := w.Data.(addlFields); ok {
		envs.Merge(addl.env)
	}
	if s, ok := step.(models.ShellStep); ok {
		envs.Merge(s.Environment())
	}
	envs.AddEnv(venvEnv, venv)
	envs.AddEnv("PIPELINE_WORKSPACE", workspace)
	if _, err := os.Stat(venv); err == nil {
		envs.AddEnv("VIRTUAL_ENV", venv)
		envs.AddEnv("PATH", filepath.Join(venv, "bin")+string(os.PathListSeparator)+os.Getenv("PATH"))
	}

	cmd := exec.CommandContext(ctx, e.cfg.LocalPipelines.Shell, "-e", "-c", step.Command())
	cmd.Dir = stepDir
	cmd.Env = envs.Slice()
	cmd.Stdout = out.Stdout
	cmd.Stderr = out.Stderr
	cmd.WaitDelay = 5 * time.Second

	e.l.Info("running step", "run", rid, "step", step.Name(), "dir", stepDir)
	err = cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			e.l.Warn("step timed out; process killed", "step", step.Name())
			return fmt.Errorf("%w: %w", engine.ErrTimedOut, ctxErr)
		}
		e.l.Warn("step cancelled; process killed", "step", step.Name())
		return ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.l.Error("workflow failed!", "run", rid.String(), "step", step.Name(), "exit_code", exitErr.ExitCode())
		return &engine.ExitError{Code: exitErr.ExitCode()}
	}

	return err
}

// checkout clones the trigger's ref into the workspace with go-git.
func (e *Engine) checkout(ctx context.Context, workspace string, step models.CloneStep, out models.StepOutput) error {
	if step.Err != nil {
		fmt.Fprintln(out.Stderr, step.Err)
		return step.Err
	}

	opts := &git.CloneOptions{
		URL:      step.URL,
		Progress: out.Stderr,
	}

	// clones from a path on this host are always full clones
	if !isLocalURL(step.URL) {
		opts.Depth = step.Depth
	}

	if step.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(step.Branch)
		opts.SingleBranch = true
	}

	if step.Submodules {
		opts.RecurseSubmodules = git.DefaultSubmoduleRecursionDepth
	}

	fmt.Fprintf(out.Stdout, "cloning %s (%s)\n", step.URL, describeRef(step))

	repo, err := git.PlainCloneContext(ctx, workspace, false, opts)
	if err != nil {
		return fmt.Errorf("cloning %s: %w", step.URL, err)
	}

	if step.Sha != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return err
		}

		hash := plumbing.NewHash(step.Sha)
		if _, err := repo.CommitObject(hash); err != nil {
			return fmt.Errorf("resolving %s: %w", step.Sha, err)
		}

		if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
			return fmt.Errorf("checking out %s: %w", step.Sha, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	fmt.Fprintf(out.Stdout, "checked out %s\n", head.Hash())

	return nil
}

func describeRef(step models.CloneStep) string {
	switch {
	case step.Sha != "" && step.Branch != "":
		return step.Branch + "@" + step.Sha
	case step.Sha != "":
		return step.Sha
	default:
		return step.Branch
	}
}

func isLocalURL(raw string) bool {
	if strings.HasPrefix(raw, "file://") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return !strings.Contains(raw, "@")
	}
	// windows drive letters parse as a one letter scheme
	return len(u.Scheme) == 1
}

func (e *Engine) DestroyWorkflow(ctx context.Context, rid models.RunId) error {
	e.mu.Lock()
	key := rid.String()
	dir, ok := e.runs[key]
	delete(e.runs, key)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	e.l.Info("destroying workflow", "run", rid, "dir", dir)
	return os.RemoveAll(dir)
}
