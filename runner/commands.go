package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner/config"
	"tangled.sh/cosmos/pipeline/runner/engine"
	"tangled.sh/cosmos/pipeline/workflow"
)

func triggerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "event",
			Usage: "event kind: manual, pull_request or push",
			Value: "manual",
		},
		&cli.StringFlag{
			Name:  "payload",
			Usage: "path to the event's JSON payload, - for stdin",
		},
		&cli.StringFlag{
			Name:  "workflow",
			Usage: "pipeline file, overrides PIPELINE_PIPELINES_WORKFLOW_FILE",
		},
		&cli.StringFlag{
			Name:  "repo",
			Usage: "clone URL used when the payload names no repository",
		},
		&cli.StringFlag{
			Name:  "ref",
			Usage: "branch to check out for manual runs",
		},
	}
}

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "run the pipeline once for an event",
		Action: RunAction,
		Flags: append(triggerFlags(),
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "do not echo step output and only log warnings",
			},
		),
		Description: `
Exits 0 when the run succeeds or the event does not trigger the pipeline,
and 1 when a step fails.`,
	}
}

func CheckCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "validate the pipeline file against an event",
		Action: CheckAction,
		Flags:  triggerFlags(),
	}
}

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "accept events over HTTP and run the pipeline for each match",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return Serve(ctx, cfg)
		},
		Description: `
Environment variables:
	PIPELINE_SERVER_LISTEN_ADDR           (default: 0.0.0.0:6555)
	PIPELINE_SERVER_DB_PATH               (default: :memory:)
	PIPELINE_SERVER_WORKERS               (default: 2)
	PIPELINE_SERVER_QUEUE_SIZE            (default: 100)
	PIPELINE_PIPELINES_WORKFLOW_FILE      (default: built-in pipeline)
	PIPELINE_PIPELINES_WORKFLOW_TIMEOUT   (default: 1h)
	PIPELINE_PIPELINES_LOG_DIR            (default: logs are not persisted)
	PIPELINE_PIPELINES_CLONE_URL
	PIPELINE_PIPELINES_DEFAULT_BRANCH     (default: main)
	PIPELINE_PIPELINES_OUTPUT_LIMIT       (default: 65536)
	PIPELINE_LOCAL_WORKSPACE_ROOT         (default: OS temp dir)
	PIPELINE_LOCAL_SHELL                  (default: bash)
	PIPELINE_DOCKER_PYTHON_IMAGE          (default: docker.io/library/python)
	PIPELINE_DOCKER_CHECKOUT_IMAGE        (default: docker.io/alpine/git:latest)
	PIPELINE_DOCKER_MEMORY                (default: 0, unlimited)
`,
	}
}

// loadTrigger builds the trigger and config the run and check commands
// share.
func loadTrigger(ctx context.Context, cmd *cli.Command) (*config.Config, workflow.Trigger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, workflow.Trigger{}, fmt.Errorf("failed to load config: %w", err)
	}
	if wf := cmd.String("workflow"); wf != "" {
		cfg.Pipelines.WorkflowFile = wf
	}
	if repo := cmd.String("repo"); repo != "" {
		cfg.Pipelines.CloneURL = repo
	}

	payload, err := readPayload(cmd.String("payload"), cmd.Root().Reader)
	if err != nil {
		return nil, workflow.Trigger{}, err
	}

	tr, err := workflow.ParseEvent(cmd.String("event"), payload)
	if err != nil {
		return nil, workflow.Trigger{}, err
	}
	if ref := cmd.String("ref"); ref != "" && tr.Manual != nil {
		tr.Manual.Ref = ref
	}

	return cfg, tr, nil
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		if stdin == nil {
			stdin = os.Stdin
		}
		return io.ReadAll(stdin)
	default:
		return os.ReadFile(path)
	}
}

func RunAction(ctx context.Context, cmd *cli.Command) error {
	cfg, tr, err := loadTrigger(ctx, cmd)
	if err != nil {
		return err
	}

	quiet := cmd.Bool("quiet")
	if quiet {
		ctx = log.IntoContext(ctx, log.NewQuiet("pipeline"))
	}

	r, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	if !quiet {
		r.Echo = out
	}

	_, res, err := r.Run(ctx, tr)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if res == nil {
		fmt.Fprintf(out, "event %s does not trigger the pipeline\n", tr)
		return nil
	}

	writeSummary(out, res)
	if !res.Success {
		return cli.Exit(fmt.Sprintf("FAILED: %s", res.Err), 1)
	}
	return nil
}

func writeSummary(w io.Writer, res *engine.RunResult) {
	fmt.Fprintf(w, "\nrun %s (%s)\n", res.Id.Id, res.Workflow)
	for _, s := range res.Steps {
		mark := "ok  "
		if !s.Success {
			mark = "FAIL"
		}
		truncated := ""
		if s.Truncated {
			truncated = ", truncated"
		}
		fmt.Fprintf(w, "  %s %-10s %s (%s, %s output%s)\n",
			mark,
			s.Phase,
			s.Name,
			s.Duration.Round(time.Millisecond),
			humanize.Bytes(uint64(s.OutputSize)),
			truncated,
		)
	}

	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "%s in %s\n", status, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

func CheckAction(ctx context.Context, cmd *cli.Command) error {
	cfg, tr, err := loadTrigger(ctx, cmd)
	if err != nil {
		return err
	}

	path := cfg.Pipelines.WorkflowFile
	var wf workflow.Workflow
	if path == "" {
		wf = workflow.Default()
	} else {
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		compiler := workflow.Compiler{}
		var ok bool
		if wf, ok = compiler.Parse(path, contents); !ok {
			return cli.Exit(compiler.Diagnostics.Err().Error(), 1)
		}
	}

	compiler := workflow.Compiler{Trigger: tr.WithRepo(cfg.Pipelines.CloneURL, cfg.Pipelines.DefaultBranch)}
	cw := compiler.Compile(wf)

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Fprintln(out, w)
	}
	for _, e := range compiler.Diagnostics.Errors {
		fmt.Fprintln(out, e)
	}

	if compiler.Diagnostics.IsErr() {
		return cli.Exit("pipeline is invalid", 1)
	}
	if cw == nil {
		fmt.Fprintf(out, "%s: not triggered by %s\n", wf.Name, tr)
		return nil
	}

	var steps []string
	for _, s := range cw.Steps {
		steps = append(steps, s.Name)
	}
	fmt.Fprintf(out, "%s: %s engine, python %s, steps: %s\n", wf.Name, cw.Engine, cw.Python, strings.Join(steps, ", "))
	return nil
}
