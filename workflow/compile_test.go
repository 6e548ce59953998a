package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trigger = pullRequest("opened", "main")

var when = []Constraint{
	{
		Event:  []string{"pull_request"},
		Action: DefaultPullRequestActions,
		Branch: []string{"main"},
	},
}

var steps = []Step{
	{Name: "tests", Kind: StepKindTest, Command: StringList{"pytest"}},
}

func TestCompileWorkflow_Matching(t *testing.T) {
	wf := Workflow{
		Name:     ".ci/pipeline.yml",
		Engine:   "local",
		Python:   "3.10",
		Manifest: "requirements.txt",
		When:     when,
		Steps:    steps,
	}

	c := Compiler{Trigger: trigger}
	cw := c.Compile(wf)

	require.NotNil(t, cw)
	assert.Equal(t, wf.Name, cw.Name)
	assert.Equal(t, "local", cw.Engine)
	assert.Equal(t, trigger, cw.Trigger)
	assert.Len(t, cw.Steps, 1)
	assert.True(t, c.Diagnostics.IsEmpty())
}

func TestCompileWorkflow_TriggerMismatch(t *testing.T) {
	wf := Workflow{
		Name:   ".ci/pipeline.yml",
		Engine: "local",
		When:   when,
		Steps:  steps,
	}

	c := Compiler{Trigger: pullRequest("closed", "main")}
	cw := c.Compile(wf)

	assert.Nil(t, cw)
	assert.False(t, c.Diagnostics.IsErr())
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, WorkflowSkipped, c.Diagnostics.Warnings[0].Type)
}

func TestCompileWorkflow_Defaults(t *testing.T) {
	wf := Workflow{
		Name:   ".ci/pipeline.yml",
		Engine: "docker",
		When:   when,
		Steps:  steps,
	}

	c := Compiler{Trigger: trigger}
	cw := c.Compile(wf)

	require.NotNil(t, cw)
	assert.Equal(t, DefaultPython, cw.Python)
	assert.Equal(t, DefaultManifest, cw.Manifest)
	assert.Len(t, c.Diagnostics.Warnings, 2)
	for _, w := range c.Diagnostics.Warnings {
		assert.Equal(t, InvalidConfiguration, w.Type)
	}
}

func TestCompileWorkflow_CloneSkipWithDepth(t *testing.T) {
	wf := Workflow{
		Name:      ".ci/pipeline.yml",
		Engine:    "local",
		Python:    "3.10",
		Manifest:  "requirements.txt",
		When:      when,
		Steps:     steps,
		CloneOpts: CloneOpts{Skip: true, Depth: 1},
	}

	c := Compiler{Trigger: trigger}
	cw := c.Compile(wf)

	require.NotNil(t, cw)
	assert.True(t, cw.Clone.Skip)
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, InvalidConfiguration, c.Diagnostics.Warnings[0].Type)
}

func TestCompileWorkflow_Errors(t *testing.T) {
	tests := []struct {
		name string
		wf   Workflow
		want error
	}{
		{
			name: "missing engine",
			wf:   Workflow{Name: "a.yml", When: when, Steps: steps},
			want: MissingEngine,
		},
		{
			name: "unknown engine",
			wf:   Workflow{Name: "a.yml", Engine: "nixery", When: when, Steps: steps},
			want: UnknownEngine,
		},
		{
			name: "no steps",
			wf:   Workflow{Name: "a.yml", Engine: "local", Python: "3.10", Manifest: "r.txt", When: when},
			want: NoSteps,
		},
		{
			name: "unknown step kind",
			wf: Workflow{Name: "a.yml", Engine: "local", Python: "3.10", Manifest: "r.txt", When: when, Steps: []Step{
				{Name: "lint", Kind: "lint", Command: StringList{"ruff ."}},
			}},
			want: UnknownStepKind,
		},
		{
			name: "empty command",
			wf: Workflow{Name: "a.yml", Engine: "local", Python: "3.10", Manifest: "r.txt", When: when, Steps: []Step{
				{Name: "tests", Command: StringList{"  "}},
			}},
			want: EmptyStepCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Compiler{Trigger: trigger}
			assert.Nil(t, c.Compile(tt.wf))
			require.True(t, c.Diagnostics.IsErr())
			assert.True(t, errors.Is(c.Diagnostics.Errors[0].Error, tt.want))
			assert.ErrorIs(t, c.Diagnostics.Err(), tt.want)
		})
	}
}

func TestCompileDefaultWorkflow(t *testing.T) {
	c := Compiler{Trigger: Trigger{Kind: TriggerKindManual, Manual: &ManualTrigger{}}}
	cw := c.Compile(Default())

	require.NotNil(t, cw)
	assert.True(t, c.Diagnostics.IsEmpty())
	assert.Equal(t, "3.10", cw.Python)
	assert.Equal(t, "requirements.txt", cw.Manifest)
	require.Len(t, cw.Steps, 2)
	assert.Equal(t, StepKindTest, cw.Steps[0].Kind)
	assert.Equal(t, StepKindTypeCheck, cw.Steps[1].Kind)
	assert.Equal(t, "src", cw.Steps[1].WorkDir)
	assert.Equal(t, 1, cw.Clone.Depth)
}

func TestParseRecordsDecodeErrors(t *testing.T) {
	c := Compiler{}
	_, ok := c.Parse("broken.yml", []byte("steps: [unterminated"))
	assert.False(t, ok)
	assert.True(t, c.Diagnostics.IsErr())
}
