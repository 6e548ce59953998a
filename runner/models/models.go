package models

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// RunId identifies one triggered run, and therefore one RunContext.
type RunId struct {
	Id       uuid.UUID
	Workflow string
}

func NewRunId(workflow string) RunId {
	return RunId{Id: uuid.New(), Workflow: workflow}
}

func ParseRunId(s string) (RunId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RunId{}, fmt.Errorf("invalid run id %q: %w", s, err)
	}
	return RunId{Id: id}, nil
}

// String is used to name per-run resources (directories, volumes, networks).
func (rid RunId) String() string {
	if rid.Workflow == "" {
		return rid.Id.String()
	}
	return fmt.Sprintf("%s-%s", normalize(rid.Workflow), rid.Id)
}

func normalize(name string) string {
	// docker resource names must start with an alphanumeric
	normalized := re.ReplaceAllString(name, "-")
	return strings.TrimLeft(normalized, "_.-")
}
