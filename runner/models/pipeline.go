package models

type Step interface {
	Name() string
	Command() string
	Kind() StepKind
	Phase() Phase
	// WorkDir is relative to the workspace root; empty means the root.
	WorkDir() string
}

type StepKind int

const (
	// steps injected by the CI runner
	StepKindSystem StepKind = iota
	// steps defined by the user in the original pipeline
	StepKindUser
)

func (k StepKind) String() string {
	if k == StepKindSystem {
		return "system"
	}
	return "user"
}

// Phase is what a step does in the run; it decides how a failure of that
// step is classified.
type Phase string

const (
	PhaseCheckout  Phase = "checkout"
	PhaseSetup     Phase = "setup"
	PhaseInstall   Phase = "install"
	PhaseTest      Phase = "test"
	PhaseTypeCheck Phase = "typecheck"
)

type Workflow struct {
	Steps []Step
	Name  string
	Data  any
}

// ShellStep is a plain shell script step.
type ShellStep struct {
	name        string
	kind        StepKind
	phase       Phase
	command     string
	workDir     string
	environment map[string]string
}

func NewShellStep(name string, kind StepKind, phase Phase, command, workDir string, env map[string]string) ShellStep {
	return ShellStep{
		name:        name,
		kind:        kind,
		phase:       phase,
		command:     command,
		workDir:     workDir,
		environment: env,
	}
}

func (s ShellStep) Name() string {
	return s.name
}

func (s ShellStep) Command() string {
	return s.command
}

func (s ShellStep) Kind() StepKind {
	return s.kind
}

func (s ShellStep) Phase() Phase {
	return s.phase
}

func (s ShellStep) WorkDir() string {
	return s.workDir
}

func (s ShellStep) Environment() map[string]string {
	return s.environment
}
