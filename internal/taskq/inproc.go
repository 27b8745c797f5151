// SPDX-License-Identifier: Apache-2.0

package taskq

import (
	"context"
	"sync"

	"github.com/automa-saga/logx"
	"github.com/google/uuid"
	"github.com/joomcode/errorx"
)

// InProcQueue runs tasks on goroutines inside the current process. It is the
// default queue for single-node deployments and for tests; clustered
// deployments substitute a broker-backed implementation behind the same
// interface.
type InProcQueue struct {
	executor Executor

	mu     sync.Mutex
	active map[Handle]context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewInProcQueue(executor Executor) *InProcQueue {
	return &InProcQueue{
		executor: executor,
		active:   make(map[Handle]context.CancelFunc),
	}
}

func (q *InProcQueue) Submit(migrationName string, freshStart bool) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errorx.IllegalState.New("task queue is shut down")
	}

	handle := Handle(uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	q.active[handle] = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.mu.Lock()
			delete(q.active, handle)
			q.mu.Unlock()
			cancel()
		}()
		q.executor(ctx, migrationName, freshStart)
	}()

	logx.As().Debug().
		Str("migration", migrationName).
		Str("task_id", string(handle)).
		Bool("fresh_start", freshStart).
		Msg("Submitted migration task")
	return handle, nil
}

func (q *InProcQueue) Revoke(handle Handle) error {
	q.mu.Lock()
	cancel, ok := q.active[handle]
	q.mu.Unlock()
	if !ok {
		// Already finished; nothing to revoke.
		return nil
	}
	cancel()
	return nil
}

func (q *InProcQueue) ActiveHandles() map[Handle]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	handles := make(map[Handle]bool, len(q.active))
	for h := range q.active {
		handles[h] = true
	}
	return handles
}

// Shutdown refuses new submissions and waits for in-flight tasks to finish.
func (q *InProcQueue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
