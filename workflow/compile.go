package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	DefaultPython   = "3.10"
	DefaultManifest = "requirements.txt"
)

var Engines = []string{"local", "docker"}

// CompiledWorkflow is a workflow that matched its trigger, with defaults
// applied. It is what engines accept.
type CompiledWorkflow struct {
	Name        string
	Engine      string
	Python      string
	Manifest    string
	Steps       []Step
	Environment map[string]string
	Clone       CloneOpts
	Trigger     Trigger
}

type Compiler struct {
	Trigger     Trigger
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err joins all errors into one, or returns nil.
func (d Diagnostics) Err() error {
	var errs []error
	for _, e := range d.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", e.Path, e.Error))
	}
	return errors.Join(errs...)
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	MissingEngine    = errors.New("missing engine")
	UnknownEngine    = errors.New("unknown engine")
	UnknownStepKind  = errors.New("unknown step kind")
	EmptyStepCommand = errors.New("step has no command")
	NoSteps          = errors.New("workflow has no steps")
)

type WarningKind string

var (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// Parse decodes a raw workflow file, recording decode failures as
// diagnostics.
func (compiler *Compiler) Parse(name string, contents []byte) (Workflow, bool) {
	wf, err := FromFile(name, contents)
	if err != nil {
		compiler.Diagnostics.AddError(name, err)
		return wf, false
	}
	return wf, true
}

// Compile validates a workflow against the compiler's trigger. It returns
// nil when the trigger does not match or the workflow is invalid; the
// reason is recorded in Diagnostics.
func (compiler *Compiler) Compile(w Workflow) *CompiledWorkflow {
	if !w.Match(compiler.Trigger) {
		compiler.Diagnostics.AddWarning(
			w.Name,
			WorkflowSkipped,
			fmt.Sprintf("did not match trigger %s", compiler.Trigger),
		)
		return nil
	}

	// validate clone options
	compiler.analyzeCloneOptions(w)

	cw := &CompiledWorkflow{
		Name:        w.Name,
		Python:      w.Python,
		Manifest:    w.Manifest,
		Environment: w.Environment,
		Clone:       w.CloneOpts,
		Trigger:     compiler.Trigger,
	}

	if w.Engine == "" {
		compiler.Diagnostics.AddError(w.Name, MissingEngine)
		return nil
	}
	if !slices.Contains(Engines, w.Engine) {
		compiler.Diagnostics.AddError(w.Name, fmt.Errorf("%w: %s", UnknownEngine, w.Engine))
		return nil
	}
	cw.Engine = w.Engine

	if cw.Python == "" {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			fmt.Sprintf("no `python` version set, using %s", DefaultPython),
		)
		cw.Python = DefaultPython
	}

	if cw.Manifest == "" {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			fmt.Sprintf("no `manifest` set, using %s", DefaultManifest),
		)
		cw.Manifest = DefaultManifest
	}

	if !compiler.analyzeSteps(w) {
		return nil
	}
	cw.Steps = w.Steps

	return cw
}

func (compiler *Compiler) analyzeSteps(w Workflow) bool {
	if len(w.Steps) == 0 {
		compiler.Diagnostics.AddError(w.Name, NoSteps)
		return false
	}

	ok := true
	for i, s := range w.Steps {
		path := fmt.Sprintf("%s: steps[%d]", w.Name, i)

		switch s.Kind {
		case "", StepKindTest, StepKindTypeCheck:
		default:
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %s", UnknownStepKind, s.Kind))
			ok = false
		}

		if strings.TrimSpace(s.Script()) == "" {
			compiler.Diagnostics.AddError(path, EmptyStepCommand)
			ok = false
		}
	}
	return ok
}

func (compiler *Compiler) analyzeCloneOptions(w Workflow) {
	if w.CloneOpts.Skip && w.CloneOpts.IncludeSubmodules {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.submodules`",
		)
	}

	if w.CloneOpts.Skip && w.CloneOpts.Depth > 0 {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.depth`",
		)
	}
}
