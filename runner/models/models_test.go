package models

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/cosmos/pipeline/workflow"
)

func TestRunIdString(t *testing.T) {
	rid := NewRunId(".ci/pipeline.yml")
	assert.Equal(t, "ci-pipeline.yml-"+rid.Id.String(), rid.String())

	parsed, err := ParseRunId(rid.Id.String())
	require.NoError(t, err)
	assert.Equal(t, rid.Id, parsed.Id)

	_, err = ParseRunId("not-a-uuid")
	assert.Error(t, err)
}

func TestUserSteps(t *testing.T) {
	cw := workflow.CompiledWorkflow{
		Steps: []workflow.Step{
			{Name: "tests", Command: workflow.StringList{"pytest"}},
			{Kind: workflow.StepKindTypeCheck, WorkDir: "src", Command: workflow.StringList{"mypy", "."}},
		},
	}

	steps := UserSteps(cw)
	require.Len(t, steps, 2)

	assert.Equal(t, "tests", steps[0].Name())
	assert.Equal(t, PhaseTest, steps[0].Phase())
	assert.Equal(t, StepKindUser, steps[0].Kind())

	assert.Equal(t, "Step 2", steps[1].Name())
	assert.Equal(t, PhaseTypeCheck, steps[1].Phase())
	assert.Equal(t, "src", steps[1].WorkDir())
	assert.Equal(t, "mypy\n.", steps[1].Command())
}

func TestStatusKind(t *testing.T) {
	assert.True(t, StatusKindPending.IsStart())
	assert.False(t, StatusKindPending.IsFinish())
	assert.True(t, StatusKindTimeout.IsFinish())
	assert.True(t, StatusKindSuccess.IsFinish())
}

func decodeLines(t *testing.T, data []byte) []LogLine {
	t.Helper()
	var lines []LogLine
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var l LogLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l))
		lines = append(lines, l)
	}
	return lines
}

func TestWorkflowLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWorkflowLoggerTo(&buf)

	step := NewShellStep("tests", StepKindUser, PhaseTest, "pytest", "", nil)
	require.NoError(t, l.Control(3, step, StepStatusStart))

	n, err := l.DataWriter(3, "stdout").Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)

	require.NoError(t, l.Control(3, step, StepStatusEnd))
	require.NoError(t, l.Close())

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 4)

	assert.Equal(t, LogKindControl, lines[0].Kind)
	assert.Equal(t, StepStatusStart, lines[0].StepStatus)
	assert.Equal(t, "tests", lines[0].Content)
	assert.Equal(t, PhaseTest, lines[0].StepPhase)
	assert.Equal(t, "user", lines[0].StepKind)

	assert.Equal(t, LogKindData, lines[1].Kind)
	assert.Equal(t, "line one", lines[1].Content)
	assert.Equal(t, "stdout", lines[1].Stream)
	assert.Equal(t, "line two", lines[2].Content)
	assert.Equal(t, 3, lines[2].StepId)

	assert.Equal(t, StepStatusEnd, lines[3].StepStatus)
}

func TestWorkflowLoggerSkipsEmptyWrites(t *testing.T) {
	var buf bytes.Buffer
	l := NewWorkflowLoggerTo(&buf)
	w := l.DataWriter(0, "stdout")

	for _, chunk := range []string{"\n", "", "\r\n", "done\n"} {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	require.NoError(t, l.Close())

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "done", lines[0].Content)
}

func TestWorkflowLoggerFile(t *testing.T) {
	dir := t.TempDir()
	rid := NewRunId("pipeline")

	l, err := NewWorkflowLogger(dir, rid)
	require.NoError(t, err)
	_, err = l.DataWriter(0, "stderr").Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(LogFilePath(dir, rid))
	require.NoError(t, err)
	lines := decodeLines(t, data)
	require.Len(t, lines, 1)
	assert.Equal(t, "boom", lines[0].Content)
	assert.Equal(t, "stderr", lines[0].Stream)
}

func TestWorkflowLoggerWithoutDirDiscards(t *testing.T) {
	l, err := NewWorkflowLogger("", NewRunId("pipeline"))
	require.NoError(t, err)
	_, err = l.DataWriter(0, "stdout").Write([]byte("ignored"))
	assert.NoError(t, err)
	assert.NoError(t, l.Close())
}
