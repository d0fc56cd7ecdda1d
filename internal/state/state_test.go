package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeenTriggerDedupes(t *testing.T) {
	mgr := NewManager()
	require.False(t, mgr.SeenTrigger("post:1"))
	require.True(t, mgr.SeenTrigger("post:1"))
}

func TestCooldownWindow(t *testing.T) {
	mgr := NewManager()
	now := time.Now()
	require.False(t, mgr.InCooldown("chan1", now))

	mgr.MarkCooldown("chan1", now.Add(time.Minute))
	require.True(t, mgr.InCooldown("chan1", now.Add(30*time.Second)))
	require.False(t, mgr.InCooldown("chan1", now.Add(2*time.Minute)))
}

func TestContinuityExpires(t *testing.T) {
	mgr := NewManager()
	now := time.Now()
	mgr.MarkContinuity("thread1", now)

	require.True(t, mgr.IsContinuity("thread1", now.Add(time.Minute)))
	require.False(t, mgr.IsContinuity("thread1", now.Add(2*time.Hour)))
}

func TestReplyCountIncrementsAndResets(t *testing.T) {
	mgr := NewManager()
	require.Equal(t, 1, mgr.IncrementReplyCount("t1"))
	require.Equal(t, 2, mgr.IncrementReplyCount("t1"))
	mgr.ResetReplyCount("t1")
	require.Equal(t, 0, mgr.ReplyCount("t1"))
}

func TestShouldSweepProactiveThrottles(t *testing.T) {
	mgr := NewManager()
	now := time.Now()
	require.True(t, mgr.ShouldSweepProactive("chan1", now))
	require.False(t, mgr.ShouldSweepProactive("chan1", now.Add(time.Second)))
	require.True(t, mgr.ShouldSweepProactive("chan1", now.Add(2*time.Minute)))
}

func TestStartOnceRunsFnAndReturnsItsValue(t *testing.T) {
	mgr := NewManager()
	calls := 0
	fn := func() (any, error) {
		calls++
		return "done", nil
	}

	v1, err1, _ := mgr.StartOnce("key", fn)
	require.NoError(t, err1)
	require.Equal(t, "done", v1)
	require.Equal(t, 1, calls)
}

func TestLRUEvictsOldest(t *testing.T) {
	l := newLRU(2)
	require.False(t, l.Seen("a"))
	require.False(t, l.Seen("b"))
	require.False(t, l.Seen("c")) // evicts "a"
	require.False(t, l.Seen("a")) // "a" was evicted, so it's new again
}
