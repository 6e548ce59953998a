package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// - a repository carries exactly one pipeline declaration
//   * .ci/pipeline.yml
// - an incoming event is matched against the declaration's trigger rule
// - a matched event produces one run, whose steps execute serially on a
//   fresh workspace

type (
	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name        string            `yaml:"-"` // name of the workflow file
		Engine      string            `yaml:"engine"`
		Python      string            `yaml:"python"`
		Manifest    string            `yaml:"manifest"`
		When        []Constraint      `yaml:"when"`
		Steps       []Step            `yaml:"steps"`
		Environment map[string]string `yaml:"environment"`
		CloneOpts   CloneOpts         `yaml:"clone"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Action StringList `yaml:"action"` // optional, only applied on "pull_request" events
		Branch StringList `yaml:"branch"` // optional, target branch for PRs, ref for pushes
	}

	CloneOpts struct {
		Skip              bool `yaml:"skip"`
		Depth             int  `yaml:"depth"`
		IncludeSubmodules bool `yaml:"submodules"`
	}

	Step struct {
		Name        string            `yaml:"name"`
		Kind        string            `yaml:"kind"`
		Command     StringList        `yaml:"command"`
		WorkDir     string            `yaml:"workdir"`
		Environment map[string]string `yaml:"environment"`
	}

	StringList []string
)

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
)

// step kinds users may declare; checkout, setup and install are always
// injected by the runner.
const (
	StepKindTest      = "test"
	StepKindTypeCheck = "typecheck"
)

// pull request actions that (re)run a pipeline by default
var DefaultPullRequestActions = []string{"opened", "reopened", "edited"}

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.Name = name

	return wf, nil
}

// Script returns the step's command lines as a single shell script.
func (s Step) Script() string {
	return strings.Join(s.Command, "\n")
}

// if any of the constraints on a workflow is true, return true
func (w *Workflow) Match(trigger Trigger) bool {
	// manual triggers always run the workflow
	if trigger.Manual != nil || trigger.Kind == TriggerKindManual {
		return true
	}

	// no constraints, always run this workflow
	if len(w.When) == 0 {
		return true
	}

	for _, c := range w.When {
		if c.Match(trigger) {
			return true
		}
	}

	return false
}

func (c *Constraint) Match(trigger Trigger) bool {
	if trigger.Manual != nil || trigger.Kind == TriggerKindManual {
		return true
	}

	if !c.MatchEvent(trigger.Kind) {
		return false
	}

	switch trigger.Kind {
	case TriggerKindPullRequest:
		if trigger.PullRequest == nil {
			return false
		}
		return c.MatchAction(trigger.PullRequest.Action) &&
			c.MatchBranch(trigger.PullRequest.TargetBranch)

	case TriggerKindPush:
		if trigger.Push == nil {
			return false
		}
		return c.MatchRef(trigger.Push.Ref)
	}

	return true
}

func (c *Constraint) MatchEvent(event TriggerKind) bool {
	return slices.Contains(c.Event, string(event))
}

func (c *Constraint) MatchAction(action string) bool {
	if len(c.Action) == 0 {
		return true
	}
	return slices.Contains(c.Action, action)
}

func (c *Constraint) MatchBranch(branch string) bool {
	if len(c.Branch) == 0 {
		return true
	}
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if !refName.IsBranch() {
		return false
	}
	return c.MatchBranch(refName.Short())
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
