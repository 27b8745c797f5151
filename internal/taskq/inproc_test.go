// SPDX-License-Identifier: Apache-2.0

package taskq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcQueue_ExecutesSubmittedTask(t *testing.T) {
	type call struct {
		name       string
		freshStart bool
	}
	calls := make(chan call, 1)

	q := NewInProcQueue(func(ctx context.Context, migrationName string, freshStart bool) {
		calls <- call{migrationName, freshStart}
	})

	handle, err := q.Submit("0001_a", true)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	select {
	case got := <-calls:
		assert.Equal(t, "0001_a", got.name)
		assert.True(t, got.freshStart)
	case <-time.After(2 * time.Second):
		t.Fatal("task never executed")
	}

	q.Shutdown()
	assert.Empty(t, q.ActiveHandles(), "finished tasks leave the active set")
}

func TestInProcQueue_ActiveHandlesWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	q := NewInProcQueue(func(ctx context.Context, migrationName string, freshStart bool) {
		close(started)
		<-release
	})

	handle, err := q.Submit("0001_a", true)
	require.NoError(t, err)

	<-started
	assert.True(t, q.ActiveHandles()[handle])

	close(release)
	q.Shutdown()
	assert.False(t, q.ActiveHandles()[handle])
}

func TestInProcQueue_RevokeCancelsContext(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	q := NewInProcQueue(func(ctx context.Context, migrationName string, freshStart bool) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})

	handle, err := q.Submit("0001_a", false)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Revoke(handle))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("revoke never cancelled the task context")
	}
	q.Shutdown()
}

func TestInProcQueue_RevokeFinishedTaskIsNoop(t *testing.T) {
	q := NewInProcQueue(func(ctx context.Context, migrationName string, freshStart bool) {})

	handle, err := q.Submit("0001_a", true)
	require.NoError(t, err)
	q.Shutdown()

	assert.NoError(t, q.Revoke(handle), "revoking an already-finished task is not an error")
}

func TestInProcQueue_SubmitAfterShutdown(t *testing.T) {
	q := NewInProcQueue(func(ctx context.Context, migrationName string, freshStart bool) {})
	q.Shutdown()

	_, err := q.Submit("0001_a", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}

func TestInProcQueue_ConcurrentSubmissions(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	q := NewInProcQueue(func(ctx context.Context, migrationName string, freshStart bool) {
		mu.Lock()
		seen[migrationName] = true
		mu.Unlock()
	})

	names := []string{"0001_a", "0002_b", "0003_c", "0004_d"}
	for _, name := range names {
		_, err := q.Submit(name, true)
		require.NoError(t, err)
	}
	q.Shutdown()

	for _, name := range names {
		assert.True(t, seen[name], "task %s never ran", name)
	}
}
