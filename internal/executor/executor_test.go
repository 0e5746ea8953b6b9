package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsTasks(t *testing.T) {
	e := New("test", 4, 100)
	var n atomic.Int64
	for i := 0; i < 100; i++ {
		require.True(t, e.Execute(func() { n.Add(1) }))
	}
	e.Stop(false)
	assert.Equal(t, int64(100), n.Load())
	assert.False(t, e.Execute(func() {}))
}

func TestExecutor_RejectsWhenSaturated(t *testing.T) {
	e := New("test", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, e.Execute(func() {
		close(started)
		<-release
	}))
	<-started

	var ran atomic.Int64
	require.True(t, e.Execute(func() { ran.Add(1) })) // queued
	assert.Equal(t, 1, e.Pending())
	assert.False(t, e.Execute(func() { ran.Add(1) }))

	close(release)
	e.Stop(false)
	assert.Equal(t, int64(1), ran.Load())
}

func TestExecutor_StopDropsQueued(t *testing.T) {
	e := New("test", 1, 10)
	release := make(chan struct{})
	started := make(chan struct{})
	var ran atomic.Int64
	require.True(t, e.Execute(func() {
		close(started)
		<-release
		ran.Add(1)
	}))
	<-started
	for i := 0; i < 5; i++ {
		require.True(t, e.Execute(func() { ran.Add(1) }))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Stop(true)
	}()
	// Stop blocks on the running task; the flag is already set once Execute
	// is rejected.
	assert.Eventually(t, func() bool { return !e.Execute(func() {}) }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), ran.Load())
	e.Stop(false) // idempotent
}
