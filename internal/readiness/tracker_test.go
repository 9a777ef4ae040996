package readiness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_HandshakeSignalsOnlyWhenAllOnline(t *testing.T) {
	tr := NewTracker()
	tr.Add("a")
	tr.Add("b")
	tr.Start()

	assert.Empty(t, tr.MarkOnline("a"), "b is not online yet")
	assert.False(t, tr.IsGroupOnline())

	assert.Equal(t, []string{"a", "b"}, tr.MarkOnline("b"))
	assert.True(t, tr.IsGroupOnline())

	// Repeated liveness signals do not resend GROUP_READY.
	assert.Empty(t, tr.MarkOnline("a"))
}

func TestTracker_CallbacksFireOnceInOrder(t *testing.T) {
	tr := NewTracker()
	tr.Add("a")
	tr.Add("b")

	var fired []int
	tr.OnGroupReady(func() { fired = append(fired, 1) })
	tr.OnGroupReady(func() { fired = append(fired, 2) })

	tr.Start()
	tr.MarkOnline("a")
	tr.MarkOnline("b")

	assert.False(t, tr.MarkReady("a"))
	assert.Empty(t, fired)
	assert.False(t, tr.IsGroupReady())

	assert.True(t, tr.MarkReady("b"))
	assert.Equal(t, []int{1, 2}, fired)
	assert.True(t, tr.IsGroupReady())

	assert.False(t, tr.MarkReady("b"))
	assert.Equal(t, []int{1, 2}, fired)

	tr.OnGroupReady(func() { fired = append(fired, 3) })
	assert.Equal(t, []int{1, 2, 3}, fired, "late callbacks run immediately")
}

func TestTracker_ReadyIgnoredBeforeSignal(t *testing.T) {
	tr := NewTracker()
	tr.Add("a")
	tr.Add("b")
	tr.Start()
	tr.MarkOnline("a")

	assert.False(t, tr.MarkReady("a"), "a was never sent GROUP_READY")
	state, ok := tr.State("a")
	require.True(t, ok)
	assert.Equal(t, StateOnline, state)
}

func TestTracker_ZeroMembersReadyOnStart(t *testing.T) {
	tr := NewTracker()
	fired := 0
	tr.OnGroupReady(func() { fired++ })

	assert.False(t, tr.IsGroupReady(), "not evaluated before Start")
	tr.Start()

	assert.True(t, tr.IsGroupOnline())
	assert.True(t, tr.IsGroupReady())
	assert.Equal(t, 1, fired)
}

func TestTracker_DisconnectUnblocksReadiness(t *testing.T) {
	tr := NewTracker()
	for _, id := range []string{"a", "b", "c"} {
		tr.Add(id)
	}
	fired := 0
	tr.OnGroupReady(func() { fired++ })
	tr.Start()

	tr.MarkOnline("a")
	tr.MarkOnline("b")

	// c dies before coming online: a and b are signalled now.
	assert.Equal(t, []string{"a", "b"}, tr.Remove("c"))
	tr.MarkReady("a")
	assert.Equal(t, 0, fired)
	tr.MarkReady("b")
	assert.Equal(t, 1, fired)
}

func TestTracker_DisconnectOfLastPendingFires(t *testing.T) {
	tr := NewTracker()
	tr.Add("a")
	tr.Add("b")
	fired := 0
	tr.OnGroupReady(func() { fired++ })
	tr.Start()

	tr.MarkOnline("a")
	tr.MarkOnline("b")
	tr.MarkReady("a")

	assert.Empty(t, tr.Remove("b"))
	assert.Equal(t, 1, fired)

	assert.Empty(t, tr.Remove("missing"))
}

func TestTracker_OnlineAfterRemoveIsIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Add("crashed")
	tr.Add("ok")
	fired := 0
	tr.OnGroupReady(func() { fired++ })
	tr.Start()

	// The exit is processed before the ONLINE the participant sent.
	assert.Empty(t, tr.Remove("crashed"))
	assert.Empty(t, tr.MarkOnline("crashed"))
	_, known := tr.State("crashed")
	assert.False(t, known)

	assert.Equal(t, []string{"ok"}, tr.MarkOnline("ok"))
	assert.True(t, tr.MarkReady("ok"))
	assert.Equal(t, 1, fired)
	assert.Equal(t, []Member{{ID: "ok", State: StateReady}}, tr.Members())
}

func TestTracker_OnlineFromUnknownIsIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	assert.Empty(t, tr.MarkOnline("stranger"))
	assert.Empty(t, tr.Members())
	assert.True(t, tr.IsGroupReady())
}

func TestTracker_LateJoinerIsSignalled(t *testing.T) {
	tr := NewTracker()
	tr.Start()
	require.True(t, tr.IsGroupReady())

	tr.Add("late")
	assert.Equal(t, []string{"late"}, tr.MarkOnline("late"))
	tr.MarkReady("late")
	assert.True(t, tr.IsGroupReady())
}

func TestTracker_MembersAndCounts(t *testing.T) {
	tr := NewTracker()
	tr.Add("a")
	tr.Add("b")
	tr.Start()
	tr.MarkOnline("b")

	assert.Equal(t, []Member{{ID: "a", State: StateSpawned}, {ID: "b", State: StateOnline}}, tr.Members())
	assert.Equal(t, 2, tr.Count(StateSpawned))
	assert.Equal(t, 1, tr.Count(StateOnline))
	assert.Equal(t, 0, tr.Count(StateReady))
	assert.Equal(t, "online", StateOnline.String())
}
