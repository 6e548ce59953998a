package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6555", cfg.Server.ListenAddr)
	assert.Equal(t, ":memory:", cfg.Server.DBPath)
	assert.Equal(t, 2, cfg.Server.Workers)
	assert.Equal(t, "main", cfg.Pipelines.DefaultBranch)
	assert.Empty(t, cfg.Pipelines.LogDir)
	assert.Equal(t, "bash", cfg.LocalPipelines.Shell)
	assert.Equal(t, "docker.io/library/python", cfg.DockerPipelines.PythonImage)

	d, err := cfg.Pipelines.Timeout(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PIPELINE_SERVER_WORKERS":             "4",
		"PIPELINE_PIPELINES_LOG_DIR":          "/var/log/pipeline",
		"PIPELINE_PIPELINES_CLONE_URL":        "https://example.com/cosmos.git",
		"PIPELINE_PIPELINES_WORKFLOW_TIMEOUT": "soon",
		"PIPELINE_DOCKER_MEMORY":              "1073741824",
	}))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, "/var/log/pipeline", cfg.Pipelines.LogDir)
	assert.Equal(t, "https://example.com/cosmos.git", cfg.Pipelines.CloneURL)
	assert.Equal(t, int64(1<<30), cfg.DockerPipelines.Memory)

	d, err := cfg.Pipelines.Timeout(time.Minute)
	assert.Error(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestLoadRejectsBadInts(t *testing.T) {
	_, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PIPELINE_SERVER_WORKERS": "many",
	}))
	assert.Error(t, err)
}
