package models

import (
	"fmt"
	"strings"

	"tangled.sh/cosmos/pipeline/workflow"
)

type CloneStep struct {
	name     string
	commands []string

	// resolved source, for engines that check out natively
	URL        string
	Branch     string
	Sha        string
	Depth      int
	Submodules bool

	// set when the trigger does not say what to check out
	Err error
}

func (s CloneStep) Name() string {
	return s.name
}

func (s CloneStep) Commands() []string {
	return s.commands
}

func (s CloneStep) Command() string {
	return strings.Join(s.commands, "\n")
}

func (s CloneStep) Kind() StepKind {
	return StepKindSystem
}

func (s CloneStep) Phase() Phase {
	return PhaseCheckout
}

func (s CloneStep) WorkDir() string {
	return ""
}

// BuildCloneStep generates git clone commands.
// The caller must ensure the current working directory is set to the desired
// workspace directory before executing these commands.
//
// The generated commands are:
// - git init
// - git remote add origin <url>
// - git fetch --depth=<d> --recurse-submodules=<yes|no> origin <sha|branch>
// - git checkout FETCH_HEAD
//
// The second return value is false when `clone.skip` is set.
func BuildCloneStep(cw workflow.CompiledWorkflow) (CloneStep, bool) {
	if cw.Clone.Skip {
		return CloneStep{}, false
	}

	step := CloneStep{
		Depth:      cw.Clone.Depth,
		Submodules: cw.Clone.IncludeSubmodules,
	}
	if step.Depth <= 0 {
		step.Depth = 1
	}

	src, err := resolveSource(cw.Trigger)
	if err != nil {
		step.name = "Clone repository into workspace (error)"
		step.commands = []string{fmt.Sprintf("echo 'Failed to get clone info: %s' && exit 1", err.Error())}
		step.Err = err
		return step, true
	}

	step.URL = src.url
	step.Branch = src.branch
	step.Sha = src.sha
	step.name = "Clone repository into workspace"
	step.commands = []string{
		"git init",
		fmt.Sprintf("git remote add origin %s", step.URL),
		fmt.Sprintf("git fetch %s", strings.Join(buildFetchArgs(step), " ")),
		"git -c advice.detachedHead=false checkout FETCH_HEAD",
	}

	return step, true
}

type source struct {
	url    string
	branch string
	sha    string
}

// resolveSource extracts what to check out from the trigger
func resolveSource(tr workflow.Trigger) (source, error) {
	if tr.Repo == nil || tr.Repo.CloneURL == "" {
		return source{}, fmt.Errorf("trigger has no repository to clone")
	}

	src := source{url: tr.Repo.CloneURL}

	switch tr.Kind {
	case workflow.TriggerKindPush:
		if tr.Push == nil {
			return src, fmt.Errorf("push trigger metadata is nil")
		}
		src.branch = strings.TrimPrefix(tr.Push.Ref, "refs/heads/")
		src.sha = tr.Push.NewSha

	case workflow.TriggerKindPullRequest:
		if tr.PullRequest == nil {
			return src, fmt.Errorf("pull request trigger metadata is nil")
		}
		src.branch = tr.PullRequest.SourceBranch
		src.sha = tr.PullRequest.SourceSha
		if tr.PullRequest.SourceCloneURL != "" {
			src.url = tr.PullRequest.SourceCloneURL
		}

	case workflow.TriggerKindManual:
		if tr.Manual != nil {
			src.branch = tr.Manual.Ref
		}
		if src.branch == "" {
			src.branch = tr.Repo.DefaultBranch
		}

	default:
		return src, fmt.Errorf("unknown trigger kind: %s", tr.Kind)
	}

	if src.branch == "" && src.sha == "" {
		return src, fmt.Errorf("no ref to check out for %s trigger", tr.Kind)
	}

	return src, nil
}

// buildFetchArgs constructs the arguments for git fetch based on clone options
func buildFetchArgs(step CloneStep) []string {
	args := []string{fmt.Sprintf("--depth=%d", step.Depth)}

	if step.Submodules {
		args = append(args, "--recurse-submodules=yes")
	}

	args = append(args, "origin")
	if step.Sha != "" {
		args = append(args, step.Sha)
	} else {
		args = append(args, step.Branch)
	}

	return args
}
