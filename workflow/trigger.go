package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Trigger describes the event a run is evaluated against. Exactly one of
// Push, PullRequest or Manual is set, matching Kind.
type Trigger struct {
	Kind        TriggerKind         `json:"kind"`
	Push        *PushTrigger        `json:"push,omitempty"`
	PullRequest *PullRequestTrigger `json:"pull_request,omitempty"`
	Manual      *ManualTrigger      `json:"manual,omitempty"`
	Repo        *TriggerRepo        `json:"repo,omitempty"`
}

type PushTrigger struct {
	Ref    string `json:"ref"`
	NewSha string `json:"new_sha"`
}

type PullRequestTrigger struct {
	Action       string `json:"action"`
	TargetBranch string `json:"target_branch"`
	SourceBranch string `json:"source_branch"`
	SourceSha    string `json:"source_sha"`
	// SourceCloneURL is the head repository, set when it differs from the
	// base repository (pull requests from forks).
	SourceCloneURL string `json:"source_clone_url,omitempty"`
}

type ManualTrigger struct {
	// Ref is optional; the repository's default branch is used when empty.
	Ref string `json:"ref,omitempty"`
}

type TriggerRepo struct {
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

// webhook payloads, shaped like the ones code forges deliver
type (
	repositoryPayload struct {
		CloneURL      string `json:"clone_url"`
		DefaultBranch string `json:"default_branch"`
	}

	refPayload struct {
		Ref  string             `json:"ref"`
		Sha  string             `json:"sha"`
		Repo *repositoryPayload `json:"repo"`
	}

	pullRequestPayload struct {
		Action      string `json:"action"`
		PullRequest struct {
			Base refPayload `json:"base"`
			Head refPayload `json:"head"`
		} `json:"pull_request"`
		Repository *repositoryPayload `json:"repository"`
	}

	pushPayload struct {
		Ref        string             `json:"ref"`
		After      string             `json:"after"`
		Repository *repositoryPayload `json:"repository"`
	}

	manualPayload struct {
		Ref        string             `json:"ref"`
		Repository *repositoryPayload `json:"repository"`
	}
)

// NormalizeKind maps forge event names onto trigger kinds.
func NormalizeKind(event string) TriggerKind {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "workflow_dispatch", "manual", "dispatch":
		return TriggerKindManual
	case "pull_request", "pull-request", "pr":
		return TriggerKindPullRequest
	case "push":
		return TriggerKindPush
	default:
		return TriggerKind(event)
	}
}

// ParseEvent decodes a webhook payload into a Trigger. An empty payload is
// valid for manual dispatches. Unknown kinds are returned with no payload
// attached, so they never match a pull request or push constraint.
func ParseEvent(event string, payload []byte) (Trigger, error) {
	kind := NormalizeKind(event)
	tr := Trigger{Kind: kind}

	empty := len(strings.TrimSpace(string(payload))) == 0

	switch kind {
	case TriggerKindManual:
		tr.Manual = &ManualTrigger{}
		if empty {
			return tr, nil
		}
		var p manualPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return tr, fmt.Errorf("decoding manual payload: %w", err)
		}
		tr.Manual.Ref = p.Ref
		tr.Repo = p.Repository.asTrigger()

	case TriggerKindPullRequest:
		if empty {
			return tr, fmt.Errorf("pull_request event without payload")
		}
		var p pullRequestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return tr, fmt.Errorf("decoding pull_request payload: %w", err)
		}
		tr.PullRequest = &PullRequestTrigger{
			Action:       p.Action,
			TargetBranch: p.PullRequest.Base.Ref,
			SourceBranch: p.PullRequest.Head.Ref,
			SourceSha:    p.PullRequest.Head.Sha,
		}
		tr.Repo = p.Repository.asTrigger()
		if head := p.PullRequest.Head.Repo; head != nil && (tr.Repo == nil || head.CloneURL != tr.Repo.CloneURL) {
			tr.PullRequest.SourceCloneURL = head.CloneURL
		}

	case TriggerKindPush:
		if empty {
			return tr, fmt.Errorf("push event without payload")
		}
		var p pushPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return tr, fmt.Errorf("decoding push payload: %w", err)
		}
		tr.Push = &PushTrigger{Ref: p.Ref, NewSha: p.After}
		tr.Repo = p.Repository.asTrigger()
	}

	return tr, nil
}

func (r *repositoryPayload) asTrigger() *TriggerRepo {
	if r == nil {
		return nil
	}
	return &TriggerRepo{CloneURL: r.CloneURL, DefaultBranch: r.DefaultBranch}
}

// WithRepo fills in repository details the payload did not carry.
func (t Trigger) WithRepo(cloneURL, defaultBranch string) Trigger {
	repo := TriggerRepo{}
	if t.Repo != nil {
		repo = *t.Repo
	}
	if repo.CloneURL == "" {
		repo.CloneURL = cloneURL
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = defaultBranch
	}
	t.Repo = &repo
	return t
}

func (t Trigger) String() string {
	switch {
	case t.PullRequest != nil:
		return fmt.Sprintf("%s(%s -> %s)", t.Kind, t.PullRequest.Action, t.PullRequest.TargetBranch)
	case t.Push != nil:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Push.Ref)
	default:
		return string(t.Kind)
	}
}
