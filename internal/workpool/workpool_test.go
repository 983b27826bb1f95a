package workpool

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupSubmitWaitReturnsResult(t *testing.T) {
	g, err := NewGroup("test", 2)
	require.NoError(t, err)
	defer g.Release()

	err = g.SubmitWait(func() error { return fmt.Errorf("boom") })
	require.Error(t, err)
	require.Equal(t, "boom", err.Error())

	require.NoError(t, g.SubmitWait(func() error { return nil }))
}

func TestGroupSubmitRunsAsynchronously(t *testing.T) {
	g, err := NewGroup("test", 1)
	require.NoError(t, err)
	defer g.Release()

	var done atomic.Bool
	require.NoError(t, g.Submit(func() error {
		done.Store(true)
		return nil
	}))

	require.Eventually(t, done.Load, time.Second, time.Millisecond)
}

func TestGroupRecoversPanicInSubmittedTask(t *testing.T) {
	g, err := NewGroup("test", 1)
	require.NoError(t, err)
	defer g.Release()

	// The panic handler logs and swallows the panic rather than crashing
	// the process; the pool must still accept further work afterward.
	require.NoError(t, g.Submit(func() error {
		panic("boom")
	}))

	var ran atomic.Bool
	require.Eventually(t, func() bool {
		_ = g.Submit(func() error {
			ran.Store(true)
			return nil
		})
		return ran.Load()
	}, time.Second, time.Millisecond)
}

func TestGroupRunningReflectsInFlightTasks(t *testing.T) {
	g, err := NewGroup("test", 4)
	require.NoError(t, err)
	defer g.Release()

	release := make(chan struct{})
	require.NoError(t, g.Submit(func() error {
		<-release
		return nil
	}))

	require.Eventually(t, func() bool { return g.Running() == 1 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return g.Running() == 0 }, time.Second, time.Millisecond)
}

func TestNewGroupsBuildsAllFourGroups(t *testing.T) {
	gs, err := NewGroups(2, 2, 1, 2)
	require.NoError(t, err)
	defer gs.Release()

	require.NotNil(t, gs.Flush)
	require.NotNil(t, gs.Compact)
	require.NotNil(t, gs.GC)
	require.NotNil(t, gs.Upload)

	require.NoError(t, gs.GC.SubmitWait(func() error { return nil }))
}
