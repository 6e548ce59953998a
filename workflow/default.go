package workflow

import (
	_ "embed"
	"os"
)

const DefaultPath = ".ci/pipeline.yml"

//go:embed default.yml
var defaultWorkflow []byte

// Default returns the built-in pipeline: manual dispatch or a pull request
// opened, reopened or edited against main; python 3.10; tests then a type
// check of src/.
func Default() Workflow {
	wf, err := FromFile("default.yml", defaultWorkflow)
	if err != nil {
		panic(err)
	}
	return wf
}

// Load reads the workflow at path, falling back to Default when path is
// empty.
func Load(path string) (Workflow, error) {
	if path == "" {
		return Default(), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, err
	}

	return FromFile(path, contents)
}
