package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner/config"
	"tangled.sh/cosmos/pipeline/runner/engine"
	"tangled.sh/cosmos/pipeline/runner/models"
	"tangled.sh/cosmos/pipeline/workflow"
)

const (
	workspaceDir = "/workspace"
	pullAttempts = 3
)

type cleanupFunc func(context.Context) error

// Engine runs every step in its own container. Containers of one run share
// a workspace volume, a venv volume and a bridge network; all three are
// removed when the run is destroyed.
type Engine struct {
	docker  client.APIClient
	l       *slog.Logger
	cfg     *config.Config
	timeout time.Duration

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type addlFields struct {
	pythonImage string
	env         map[string]string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("component", "docker-engine")

	timeout, err := cfg.Pipelines.Timeout(time.Hour)
	if err != nil {
		l.Error("failed to parse workflow timeout", "error", err, "timeout", cfg.Pipelines.WorkflowTimeout)
	}

	return &Engine{
		docker:  dcli,
		l:       l,
		cfg:     cfg,
		timeout: timeout,
		cleanup: make(map[string][]cleanupFunc),
	}, nil
}

func (e *Engine) InitWorkflow(cw workflow.CompiledWorkflow) (*models.Workflow, error) {
	swf := &models.Workflow{Name: cw.Name}

	if clone, ok := models.BuildCloneStep(cw); ok {
		swf.Steps = append(swf.Steps, clone)
	}
	swf.Steps = append(swf.Steps, setupStep(cw.Python), dependencyStep(cw.Manifest))
	swf.Steps = append(swf.Steps, models.UserSteps(cw)...)

	swf.Data = addlFields{
		pythonImage: pythonImage(e.cfg.DockerPipelines.PythonImage, cw.Python),
		env:         cw.Environment,
	}

	return swf, nil
}

func pythonImage(repo, version string) string {
	return fmt.Sprintf("%s:%s", repo, version)
}

func (e *Engine) WorkflowTimeout() time.Duration {
	return e.timeout
}

// SetupWorkflow creates the network and the workspace and venv volumes.
// Images are pulled by the steps that need them.
func (e *Engine) SetupWorkflow(ctx context.Context, rid models.RunId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "run", rid)

	for _, name := range []string{workspaceVolume(rid), venvVolume(rid)} {
		_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
			Name:   name,
			Driver: "local",
		})
		if err != nil {
			return fmt.Errorf("creating volume %s: %w", name, err)
		}
		e.registerCleanup(rid, func(ctx context.Context) error {
			return e.docker.VolumeRemove(ctx, name, true)
		})
	}

	_, err := e.docker.NetworkCreate(ctx, networkName(rid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	e.registerCleanup(rid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(rid))
	})

	return nil
}

func (e *Engine) pullImage(ctx context.Context, rid models.RunId, ref string, out models.StepOutput) error {
	fmt.Fprintf(out.Stdout, "pulling %s\n", ref)

	return retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
			if err != nil {
				e.l.Error("pipeline image pull failed!", "image", ref, "run", rid, "error", err.Error())
				return fmt.Errorf("pulling image %s: %w", ref, err)
			}
			defer reader.Close()

			// the pull only completes once the progress stream is drained
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return fmt.Errorf("pulling image %s: %w", ref, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(pullAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errdefs.IsNotFound(err) && !errdefs.IsUnauthorized(err)
		}),
	)
}

func (e *Engine) RunStep(ctx context.Context, rid models.RunId, w *models.Workflow, idx int, out models.StepOutput) error {
	addl, ok := w.Data.(addlFields)
	if !ok {
		return fmt.Errorf("workflow %s was not initialized by this engine", w.Name)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	step := w.Steps[idx]

	img := addl.pythonImage
	if clone, ok := step.(models.CloneStep); ok {
		if clone.Err != nil {
			fmt.Fprintln(out.Stderr, clone.Err)
			return clone.Err
		}
		img = e.cfg.DockerPipelines.CheckoutImage
	}

	// the checkout and setup steps are the first to use their image, so a
	// missing image fails them rather than the run as a whole
	if step.Phase() == models.PhaseCheckout || step.Phase() == models.PhaseSetup {
		if err := e.pullImage(ctx, rid, img, out); err != nil {
			return err
		}
	}

	envs := stepEnv(addl, step)
	e.l.Debug("envs for step", "step", step.Name(), "envs", envs.Slice())

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Entrypoint: []string{"sh", "-e", "-c"},
		Cmd:        []string{stepScript(step)},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "pipeline",
		Env:        envs.Slice(),
	}, hostConfig(rid, e.cfg.DockerPipelines.Memory), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(rid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name())

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, resp.ID, out)
	}()

	// wait for container completion or timeout
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			e.l.Warn("failed to tail step output", "step", step.Name(), "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "step", step.Name())
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", engine.ErrTimedOut, ctx.Err())
		}
		return ctx.Err()
	}

	if waitErr != nil {
		return waitErr
	}

	if state.ExitCode != 0 {
		e.l.Error("workflow failed!", "run", rid.String(), "step", step.Name(), "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		return &engine.ExitError{Code: state.ExitCode, OOMKilled: state.OOMKilled}
	}

	return nil
}

// stepEnv layers the workflow's variables, then the step's, then the
// variables the runner owns.
func stepEnv(addl addlFields, step models.Step) engine.EnvVars {
	envs := engine.ConstructEnvs(addl.env)
	if s, ok := step.(models.ShellStep); ok {
		envs.Merge(s.Environment())
	}
	envs.AddEnv("HOME", workspaceDir)
	envs.AddEnv("PIPELINE_WORKSPACE", workspaceDir)

	if _, ok := step.(models.CloneStep); !ok {
		envs.AddEnv("VIRTUAL_ENV", venvDir)
		envs.AddEnv("PATH", venvDir+"/bin:"+imagePath)
	}
	return envs
}

// stepScript runs the step's command from its workdir. The workdir is
// rooted at the workspace, so it cannot name a directory outside it.
func stepScript(step models.Step) string {
	if step.WorkDir() == "" {
		return step.Command()
	}
	dir := path.Join(workspaceDir, path.Join("/", step.WorkDir()))
	return fmt.Sprintf("cd '%s'\n%s", strings.ReplaceAll(dir, "'", `'\''`), step.Command())
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Info("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, containerID string, out models.StepOutput) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(
		stripANSI(out.Stdout),
		stripANSI(out.Stderr),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

// DestroyWorkflow releases everything SetupWorkflow created, in reverse
// order. Errors are logged and do not stop the remaining cleanups.
func (e *Engine) DestroyWorkflow(ctx context.Context, rid models.RunId) error {
	e.cleanupMu.Lock()
	key := rid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to cleanup workflow resource", "run", rid, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) registerCleanup(rid models.RunId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := rid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(rid models.RunId) string {
	return fmt.Sprintf("workspace-%s", rid)
}

func venvVolume(rid models.RunId) string {
	return fmt.Sprintf("venv-%s", rid)
}

func networkName(rid models.RunId) string {
	return fmt.Sprintf("pipeline-network-%s", rid)
}

func hostConfig(rid models.RunId, memory int64) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(rid),
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeVolume,
				Source: venvVolume(rid),
				Target: venvDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}
	hostConfig.Resources.Memory = memory

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
