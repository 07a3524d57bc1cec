package units

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTracker_EnumerateInStartOrder(t *testing.T) {
	tracker := NewTracker()
	release := make(chan struct{})
	defer close(release)

	block := func() error {
		<-release
		return nil
	}
	a := tracker.Go("worker-a", block)
	b := tracker.GoDaemon("worker-b", block)
	c := tracker.Go("worker-c", block)

	buf := make([]*Unit, 8)
	n, err := tracker.Enumerate(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []*Unit{a, b, c}, buf[:n])
	require.True(t, b.Daemon())
	require.False(t, a.Daemon())
}

func TestTracker_EnumerateOverflow(t *testing.T) {
	tracker := NewTracker()
	release := make(chan struct{})
	defer close(release)

	for i := 0; i < 3; i++ {
		tracker.Go("worker", func() error {
			<-release
			return nil
		})
	}

	buf := make([]*Unit, 2)
	n, err := tracker.Enumerate(buf)
	require.ErrorIs(t, err, ErrSnapshotOverflow)
	require.Equal(t, 2, n)
}

func TestTracker_JoinReturnsErrorAndRemovesUnit(t *testing.T) {
	tracker := NewTracker()
	boom := errors.New("boom")

	u := tracker.Go("failing", func() error { return boom })
	require.ErrorIs(t, u.Join(), boom)
	require.False(t, u.Alive())
	require.Equal(t, 0, tracker.ActiveCount())
}

func TestTracker_PanicBecomesJoinError(t *testing.T) {
	tracker := NewTracker()

	u := tracker.Go("panicky", func() error { panic("bad state") })

	select {
	case <-u.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not finish")
	}
	err := u.Join()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad state")
}
