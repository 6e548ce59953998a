package local

import (
	"fmt"

	"tangled.sh/cosmos/pipeline/runner/models"
)

const venvEnv = "PIPELINE_VENV"

// setupStep creates a virtualenv from the requested interpreter, so later
// steps resolve `python` and installed tools to that version.
func setupStep(version string) models.Step {
	cmd := fmt.Sprintf(`python%s -m venv "$%s"
"$%s/bin/python" --version`, version, venvEnv, venvEnv)

	return models.NewShellStep(
		fmt.Sprintf("Set up python %s", version),
		models.StepKindSystem,
		models.PhaseSetup,
		cmd,
		"",
		nil,
	)
}

// dependencyStep installs everything the manifest lists in one pip call.
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
