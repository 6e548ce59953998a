package engine

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts a map representation into a
// []string{"KEY=value", ...} slice, sorted by key.
func ConstructEnvs(envs map[string]string) EnvVars {
	var out EnvVars
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return out
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// Merge appends a map of variables, sorted by key. Later entries win when
// the slice is handed to exec or docker.
func (ev *EnvVars) Merge(envs map[string]string) {
	*ev = append(*ev, ConstructEnvs(envs)...)
}
