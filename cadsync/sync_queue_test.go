package cadsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPendingOperation(operationId Id, resendTime time.Time) *pendingOperation {
	return &pendingOperation{
		operation: &CrdtOperation{
			OperationId: operationId,
			Type:        OperationTypeAddEntity,
		},
		sendTime:   resendTime.Add(-time.Second),
		resendTime: resendTime,
	}
}

func TestPendingQueueOrder(t *testing.T) {
	queue := newPendingQueue()
	now := time.Now()

	first := testPendingOperation(Id{1}, now.Add(1*time.Second))
	second := testPendingOperation(Id{2}, now.Add(2*time.Second))
	third := testPendingOperation(Id{3}, now.Add(3*time.Second))

	// insertion order does not matter
	queue.Add(third)
	queue.Add(first)
	queue.Add(second)
	assert.Equal(t, queue.Len(), 3)

	assert.Equal(t, queue.PeekFirst(), first)
	assert.Equal(t, queue.RemoveFirst(), first)
	assert.Equal(t, queue.RemoveFirst(), second)
	assert.Equal(t, queue.RemoveFirst(), third)
	assert.Equal(t, queue.RemoveFirst(), (*pendingOperation)(nil))
}

func TestPendingQueueRemoveByOperationId(t *testing.T) {
	queue := newPendingQueue()
	now := time.Now()

	first := testPendingOperation(Id{1}, now.Add(1*time.Second))
	second := testPendingOperation(Id{2}, now.Add(2*time.Second))
	queue.Add(first)
	queue.Add(second)

	assert.Equal(t, queue.ContainsOperationId(Id{2}), true)
	assert.Equal(t, queue.RemoveByOperationId(Id{2}), second)
	assert.Equal(t, queue.ContainsOperationId(Id{2}), false)
	assert.Equal(t, queue.RemoveByOperationId(Id{2}), (*pendingOperation)(nil))
	assert.Equal(t, queue.Len(), 1)
	assert.Equal(t, queue.PeekFirst(), first)
}

func TestPendingQueueUpdate(t *testing.T) {
	queue := newPendingQueue()
	now := time.Now()

	first := testPendingOperation(Id{1}, now.Add(1*time.Second))
	second := testPendingOperation(Id{2}, now.Add(2*time.Second))
	queue.Add(first)
	queue.Add(second)

	// pushing the earliest resend time forward reorders the queue
	first.resendTime = now.Add(5 * time.Second)
	queue.Update(first)
	assert.Equal(t, queue.PeekFirst(), second)
}
