package docker

import (
	"fmt"

	"tangled.sh/cosmos/pipeline/runner/models"
)

const (
	venvDir   = "/opt/venv"
	imagePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// setupStep creates the run's virtualenv on the venv volume from the
// interpreter of the versioned python image.
func setupStep(version string) models.Step {
	cmd := fmt.Sprintf(`python -m venv %s
%s/bin/python --version`, venvDir, venvDir)

	return models.NewShellStep(
		fmt.Sprintf("Set up python %s", version),
		models.StepKindSystem,
		models.PhaseSetup,
		cmd,
		"",
		nil,
	)
}

func dependencyStep(manifest string) models.Step {
	cmd := fmt.Sprintf("python -m pip install --disable-pip-version-check --no-input -r \"%s\"", manifest)

	return models.NewShellStep(
		"Install dependencies from "+manifest,
		models.StepKindSystem,
		models.PhaseInstall,
		cmd,
		"",
		map[string]string{
			"PIP_NO_COLOR":     "1",
			"PIP_PROGRESS_BAR": "off",
		},
	)
}
