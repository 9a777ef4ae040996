package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: ok
participants: 2
hub: jobs
steps:
  - {process: p1, action: "on", event: done}
  - {process: coordinator, action: exec, op: set, args: [k, 1]}
assertions:
  - {type: store, key: k, expect: 1}
`))
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Name)
	assert.Equal(t, 2, s.Participants)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, []any{"k", 1}, s.Steps[1].Args)
	assert.Equal(t, "jobs", s.hubFor(""))
	assert.Equal(t, "other", s.hubFor("other"))
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", ``, "empty document"},
		{"unknown field", "name: x\nstep: []\n", "field step not found"},
		{"no name", "steps: [{process: coordinator, action: reset}]\n", "name is required"},
		{"no steps", "name: x\n", "steps list is required"},
		{"unknown process", "name: x\nsteps: [{process: p1, action: reset}]\n", "only 0 participants"},
		{"bad process name", "name: x\nsteps: [{process: worker, action: reset}]\n", "unknown process"},
		{"missing event", "name: x\nsteps: [{process: coordinator, action: emit}]\n", "event is required"},
		{"unknown op", "name: x\nsteps: [{process: coordinator, action: exec, op: explode}]\n", "unknown store operation"},
		{"unknown action", "name: x\nsteps: [{process: coordinator, action: dance}]\n", "unknown action"},
		{"interest on coordinator", "name: x\nsteps: [{process: coordinator, action: reset}]\nassertions: [{type: interest, process: coordinator, event: e, count: 1}]\n", "participants only"},
		{"unknown assertion", "name: x\nsteps: [{process: coordinator, action: reset}]\nassertions: [{type: vibes}]\n", "unknown assertion type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\nsteps: [{process: coordinator, action: reset}]\n"), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "file", s.Name)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
