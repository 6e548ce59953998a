package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
	"tangled.sh/cosmos/pipeline/runner/engine"
	"tangled.sh/cosmos/pipeline/runner/models"
)

func runCheck(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := &cli.Command{
		Name:           "pipeline",
		Writer:         &out,
		Commands:       []*cli.Command{CheckCommand()},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
	err := root.Run(context.Background(), append([]string{"pipeline", "check"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestCheckDefaultPipeline(t *testing.T) {
	out, err := runCheck(t)
	require.NoError(t, err)
	assert.Equal(t, "default.yml: local engine, python 3.10, steps: Run tests, Type check\n", out)
}

func TestCheckUntriggeredEvent(t *testing.T) {
	payload := writeFile(t, "event.json", `{"action":"closed","pull_request":{"base":{"ref":"main"}}}`)

	out, err := runCheck(t, "--event", "pull_request", "--payload", payload)
	require.NoError(t, err)
	assert.Contains(t, out, "workflow skipped")
	assert.Contains(t, out, "default.yml: not triggered by pull_request(closed -> main)")
}

func TestCheckInvalidPipeline(t *testing.T) {
	path := writeFile(t, "pipeline.yml", `
when:
  - event: manual
steps:
  - kind: lint
    command: ruff check
`)

	out, err := runCheck(t, "--workflow", path)
	var exit cli.ExitCoder
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 1, exit.ExitCode())
	assert.Contains(t, out, "missing engine")
}

func TestCheckUnparseablePipeline(t *testing.T) {
	path := writeFile(t, "pipeline.yml", "steps: {")

	_, err := runCheck(t, "--workflow", path)
	var exit cli.ExitCoder
	require.True(t, errors.As(err, &exit))
}

func TestReadPayload(t *testing.T) {
	b, err := readPayload("", nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = readPayload("-", strings.NewReader(`{"ref":"main"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ref":"main"}`, string(b))

	_, err = readPayload(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}

func TestWriteSummary(t *testing.T) {
	start := time.Now()
	res := &engine.RunResult{
		Id:       models.NewRunId("pipeline"),
		Workflow: "pipeline",
		Steps: []engine.StepResult{
			{Name: "Run tests", Phase: models.PhaseTest, Success: true, Duration: 1500 * time.Millisecond, OutputSize: 2048},
			{Name: "Type check", Phase: models.PhaseTypeCheck, Success: false, Duration: time.Second, OutputSize: 10},
			{Name: "Lint", Phase: models.PhaseTest, Success: true, Duration: time.Second, OutputSize: 200000, Truncated: true},
		},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}

	var buf bytes.Buffer
	writeSummary(&buf, res)

	out := buf.String()
	assert.Contains(t, out, "ok   test       Run tests (1.5s, 2.0 kB output)")
	assert.Contains(t, out, "FAIL typecheck  Type check (1s, 10 B output)")
	assert.Contains(t, out, "ok   test       Lint (1s, 200 kB output, truncated)")
	assert.Contains(t, out, "failed in 3s")
}
