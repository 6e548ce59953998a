package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	// the status store lives in memory unless a path is given
	DBPath    string `env:"DB_PATH, default=:memory:"`
	Workers   int    `env:"WORKERS, default=2"`
	QueueSize int    `env:"QUEUE_SIZE, default=100"`
}

type Pipelines struct {
	// WorkflowFile is the pipeline declaration; empty uses the built-in one.
	WorkflowFile    string `env:"WORKFLOW_FILE"`
	WorkflowTimeout string `env:"WORKFLOW_TIMEOUT, default=1h"`
	LogDir          string `env:"LOG_DIR"`
	// used when an event does not name the repository
	CloneURL      string `env:"CLONE_URL"`
	DefaultBranch string `env:"DEFAULT_BRANCH, default=main"`
	OutputLimit   int    `env:"OUTPUT_LIMIT, default=65536"`
}

type LocalPipelines struct {
	// WorkspaceRoot holds per-run workspaces; empty uses the OS temp dir.
	WorkspaceRoot string `env:"WORKSPACE_ROOT"`
	Shell         string `env:"SHELL, default=bash"`
}

type DockerPipelines struct {
	PythonImage   string `env:"PYTHON_IMAGE, default=docker.io/library/python"`
	CheckoutImage string `env:"CHECKOUT_IMAGE, default=docker.io/alpine/git:latest"`
	// Memory limit per step container in bytes, 0 means unlimited.
	Memory int64 `env:"MEMORY, default=0"`
}

type Config struct {
	Server          Server          `env:",prefix=PIPELINE_SERVER_"`
	Pipelines       Pipelines       `env:",prefix=PIPELINE_PIPELINES_"`
	LocalPipelines  LocalPipelines  `env:",prefix=PIPELINE_LOCAL_"`
	DockerPipelines DockerPipelines `env:",prefix=PIPELINE_DOCKER_"`
}

// Timeout parses Pipelines.WorkflowTimeout, falling back to def when it is
// not a valid duration.
func (p Pipelines) Timeout(def time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(p.WorkflowTimeout)
	if err != nil {
		return def, err
	}
	return d, nil
}

func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
