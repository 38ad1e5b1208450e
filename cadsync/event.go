package cadsync

import (
	"sync"
)

// events surfaced to the hosting application

type SyncEventType string

const (
	SyncEventTypeSynchronized       SyncEventType = "synchronized"
	SyncEventTypeOperationsApplied  SyncEventType = "operations_applied"
	SyncEventTypeConflictDetected   SyncEventType = "conflict_detected"
	SyncEventTypeStateChanged       SyncEventType = "state_changed"
	SyncEventTypeError              SyncEventType = "error"
	SyncEventTypeOfflineModeEnabled SyncEventType = "offline_mode_enabled"
	SyncEventTypeReconnected        SyncEventType = "reconnected"
)

type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	DocumentId Id            `json:"document_id"`

	// state_changed
	State         SyncState `json:"state,omitempty"`
	PreviousState SyncState `json:"previous_state,omitempty"`

	// operations_applied
	OperationCount int `json:"operation_count,omitempty"`

	// reconnected
	ReplayedOperations int `json:"replayed_operations,omitempty"`

	// error
	OperationId *Id   `json:"operation_id,omitempty"`
	Err         error `json:"-"`

	Message string `json:"message,omitempty"`
}

type SyncEventFunction = func(event *SyncEvent)

// unbounded event queue. The producer appends under the lock and never
// blocks; a pump goroutine drains into the subscriber channel. Consumers
// are responsible for keeping up.
type eventQueue struct {
	stateLock sync.Mutex
	pending   []*SyncEvent
	monitor   *Monitor
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		monitor: NewMonitor(),
	}
}

func (self *eventQueue) add(event *SyncEvent) {
	self.stateLock.Lock()
	self.pending = append(self.pending, event)
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

func (self *eventQueue) drain() []*SyncEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pending := self.pending
	self.pending = nil
	return pending
}
