package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fent/clusterhub/internal/fabric"
)

const helperEnv = "CLUSTERHUB_CLI_HELPER"

// TestParticipantProcess is not a real test. The run tests spawn the test
// binary with -test.run pointing here, and it serves as a participant.
func TestParticipantProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process for the run tests")
	}
	cmd := NewParticipantCommand(&RootOptions{Format: "text"})
	cmd.SetErr(os.Stderr)
	err := runParticipant(cmd, &RootOptions{Format: "text"}, fabric.ParentChannel())
	os.Exit(GetExitCode(err))
}

func helperRunOptions(n int) *RunOptions {
	return &RunOptions{
		RootOptions:  &RootOptions{Format: "json"},
		Participants: n,
		Timeout:      20 * time.Second,
		Entry:        os.Args[0] + " -test.run=^TestParticipantProcess$",
		ExtraEnv:     []string{helperEnv + "=1"},
	}
}

func TestRunCommand_Demo(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns participant processes")
	}

	opts := helperRunOptions(3)
	cmd := NewRunCommand(opts.RootOptions)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.Flags().Set("participants", "3"))

	require.NoError(t, runCoordinator(cmd, opts))

	var resp struct {
		Status string      `json:"status"`
		Data   DemoSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data.Participants)
	assert.Equal(t, int64(3), resp.Data.Pings)
	require.Len(t, resp.Data.Replies, 3)
	assert.IsIncreasing(t, resp.Data.Replies, "replies are sorted and distinct")
	assert.Equal(t, 3, resp.Data.Metrics.ParticipantsReady)
}

func TestRunCommand_NoParticipants(t *testing.T) {
	opts := helperRunOptions(0)
	cmd := NewRunCommand(opts.RootOptions)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.Flags().Set("participants", "0"))

	require.NoError(t, runCoordinator(cmd, opts))

	var resp struct {
		Data DemoSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, 0, resp.Data.Participants)
	assert.Equal(t, int64(0), resp.Data.Pings)
	assert.Empty(t, resp.Data.Replies)
}

func TestRunCommand_SpawnFailure(t *testing.T) {
	opts := helperRunOptions(1)
	opts.Entry = "/nonexistent/clusterhub-participant"
	cmd := NewRunCommand(opts.RootOptions)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.Flags().Set("participants", "1"))

	err := runCoordinator(cmd, opts)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDemoSummary_Text(t *testing.T) {
	s := DemoSummary{Participants: 2, Replies: []string{"p1", "p2"}, Pings: 2}
	text := s.Text()
	assert.Contains(t, text, "p1")
	assert.Contains(t, text, "p2")
}
