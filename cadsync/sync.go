package cadsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/maps"
)

// per document sync states:
// offline -> connecting -> synchronized <-> syncing -> conflicted/error
type SyncState string

const (
	SyncStateOffline      SyncState = "offline"
	SyncStateConnecting   SyncState = "connecting"
	SyncStateSynchronized SyncState = "synchronized"
	SyncStateSyncing      SyncState = "syncing"
	SyncStateConflicted   SyncState = "conflicted"
	SyncStateError        SyncState = "error"
)

// whether local operations go to the pending queue (true) or the
// bounded offline queue (false)
func (self SyncState) IsOnline() bool {
	switch self {
	case SyncStateSynchronized, SyncStateSyncing:
		return true
	default:
		return false
	}
}

// the engine does not own a transport. The host wires the transport's
// outbound side here and feeds inbound messages to HandleMessage.
type SendFunction = func(message *SyncMessage)

type SyncSettings struct {
	// backpressure bounds, see ErrPendingQueueFull / ErrOfflineQueueFull
	MaxPendingOperations int
	MaxOfflineOperations int

	// age at which an unacknowledged pending operation is resent
	RetryTimeout time.Duration
	// resubmissions before an operation fails with a terminal error event
	MaxRetries int
	// how often the background loop checks for overdue pending operations
	RetryPollInterval time.Duration

	SnapshotCacheSize    int
	SnapshotCacheTimeout time.Duration
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		MaxPendingOperations: 128,
		MaxOfflineOperations: 512,
		RetryTimeout:         5 * time.Second,
		MaxRetries:           3,
		RetryPollInterval:    1 * time.Second,
		SnapshotCacheSize:    32,
		SnapshotCacheTimeout: 30 * time.Second,
	}
}

type syncDocument struct {
	documentId Id

	// guards the document and the queues below. Documents never share
	// a lock, one document's backpressure never blocks another.
	stateLock sync.RWMutex

	document *DocumentCrdt
	state    SyncState
	version  uint64
	// site id -> greatest observed logical time
	vectorClock map[Id]uint64

	pending *pendingQueue
	offline []*CrdtOperation
}

type cachedSnapshot struct {
	snapshot   *DocumentSnapshot
	counter    uint64
	createTime time.Time
}

// events and messages accumulated under a document lock and delivered
// after the lock is released
type outbox struct {
	events   []*SyncEvent
	messages []*SyncMessage
}

// coordinates local application, pending operation retry, offline
// queueing, remote application, and acknowledgment for many documents.
// correctness under concurrent local/remote applies comes from crdt
// commutativity and idempotence, not from lock ordering.
type SyncEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	settings *SyncSettings

	stateLock      sync.Mutex
	send           SendFunction
	documents      map[Id]*syncDocument
	documentStates map[Id]SyncState

	stateMonitor   *Monitor
	events         *eventQueue
	eventsOut      chan *SyncEvent
	eventCallbacks *CallbackList[SyncEventFunction]

	snapshotCache *lru.Cache[Id, *cachedSnapshot]
}

func NewSyncEngineWithDefaults(ctx context.Context, clientId Id, send SendFunction) *SyncEngine {
	return NewSyncEngine(ctx, clientId, send, DefaultSyncSettings())
}

func NewSyncEngine(ctx context.Context, clientId Id, send SendFunction, settings *SyncSettings) *SyncEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	snapshotCache, err := lru.New[Id, *cachedSnapshot](settings.SnapshotCacheSize)
	if err != nil {
		panic(err)
	}
	engine := &SyncEngine{
		ctx:            cancelCtx,
		cancel:         cancel,
		clientId:       clientId,
		settings:       settings,
		send:           send,
		documents:      map[Id]*syncDocument{},
		documentStates: map[Id]SyncState{},
		stateMonitor:   NewMonitor(),
		events:         newEventQueue(),
		eventsOut:      make(chan *SyncEvent),
		eventCallbacks: NewCallbackList[SyncEventFunction](),
		snapshotCache:  snapshotCache,
	}
	// the engine is fully constructed before any background task can
	// touch its state
	go engine.run()
	go engine.eventPump()
	return engine
}

func (self *SyncEngine) ClientId() Id {
	return self.clientId
}

func (self *SyncEngine) SetSendFunction(send SendFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.send = send
}

func (self *SyncEngine) sendFunction() SendFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.send
}

// unbounded event delivery. The producer side never blocks.
func (self *SyncEngine) Events() <-chan *SyncEvent {
	return self.eventsOut
}

func (self *SyncEngine) AddEventCallback(eventCallback SyncEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// latest per document state map plus a notify channel that closes on
// the next change
func (self *SyncEngine) SyncStates() (map[Id]SyncState, <-chan struct{}) {
	notify := self.stateMonitor.NotifyChannel()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.documentStates), notify
}

// document registration

func (self *SyncEngine) RegisterDocument(document *DocumentCrdt) error {
	self.stateLock.Lock()
	if _, ok := self.documents[document.DocumentId]; ok {
		self.stateLock.Unlock()
		return ErrDocumentExists
	}
	self.documents[document.DocumentId] = &syncDocument{
		documentId:  document.DocumentId,
		document:    document,
		state:       SyncStateOffline,
		vectorClock: map[Id]uint64{},
		pending:     newPendingQueue(),
	}
	self.documentStates[document.DocumentId] = SyncStateOffline
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()
	glog.V(1).Infof("[se]register %s\n", document.DocumentId)
	return nil
}

func (self *SyncEngine) UnregisterDocument(documentId Id) error {
	self.stateLock.Lock()
	if _, ok := self.documents[documentId]; !ok {
		self.stateLock.Unlock()
		return ErrDocumentNotFound
	}
	delete(self.documents, documentId)
	delete(self.documentStates, documentId)
	self.stateLock.Unlock()
	self.snapshotCache.Remove(documentId)
	self.stateMonitor.NotifyAll()
	return nil
}

func (self *SyncEngine) syncDocument(documentId Id) (*syncDocument, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	syncDocument, ok := self.documents[documentId]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return syncDocument, nil
}

func (self *SyncEngine) documentIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.documents)
}

// read access to a registered document under its read lock
func (self *SyncEngine) WithDocument(documentId Id, read func(document *DocumentCrdt)) error {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return err
	}
	syncDocument.stateLock.RLock()
	defer syncDocument.stateLock.RUnlock()
	read(syncDocument.document)
	return nil
}

func (self *SyncEngine) DocumentSyncState(documentId Id) (SyncState, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return "", err
	}
	syncDocument.stateLock.RLock()
	defer syncDocument.stateLock.RUnlock()
	return syncDocument.state, nil
}

func (self *SyncEngine) DocumentVersion(documentId Id) (uint64, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return 0, err
	}
	syncDocument.stateLock.RLock()
	defer syncDocument.stateLock.RUnlock()
	return syncDocument.version, nil
}

func (self *SyncEngine) PendingOperationCount(documentId Id) (int, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return 0, err
	}
	syncDocument.stateLock.RLock()
	defer syncDocument.stateLock.RUnlock()
	return syncDocument.pending.Len(), nil
}

func (self *SyncEngine) OfflineOperationCount(documentId Id) (int, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return 0, err
	}
	syncDocument.stateLock.RLock()
	defer syncDocument.stateLock.RUnlock()
	return len(syncDocument.offline), nil
}

// state transitions

func (self *SyncEngine) UpdateSyncState(documentId Id, state SyncState) error {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	syncDocument.stateLock.Lock()
	self.setStateLocked(syncDocument, state, out)
	syncDocument.stateLock.Unlock()
	self.flush(out)
	return nil
}

// must be called with the document lock held
func (self *SyncEngine) setStateLocked(syncDocument *syncDocument, state SyncState, out *outbox) {
	if syncDocument.state == state {
		return
	}
	previousState := syncDocument.state
	syncDocument.state = state
	glog.V(1).Infof("[se]%s %s->%s\n", syncDocument.documentId, previousState, state)
	out.events = append(out.events, &SyncEvent{
		Type:          SyncEventTypeStateChanged,
		DocumentId:    syncDocument.documentId,
		State:         state,
		PreviousState: previousState,
	})
}

// local apply

// applies the operation to the local replica first (optimistic, local
// first visibility), then queues it for transmission. Re-applying an
// operation the caller already applied through the document is safe,
// apply is idempotent.
func (self *SyncEngine) ApplyLocalOperation(documentId Id, operation *CrdtOperation) error {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	err = func() error {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		if err := operation.Apply(syncDocument.document); err != nil {
			return err
		}
		self.observeOperationLocked(syncDocument, operation)
		return self.queueLocalOperationLocked(syncDocument, operation, out)
	}()
	self.snapshotCache.Remove(documentId)
	self.flush(out)
	return err
}

// must be called with the document lock held
func (self *SyncEngine) observeOperationLocked(syncDocument *syncDocument, operation *CrdtOperation) {
	timestamp := operation.Timestamp
	if syncDocument.vectorClock[timestamp.SiteId] < timestamp.Time {
		syncDocument.vectorClock[timestamp.SiteId] = timestamp.Time
	}
}

// must be called with the document lock held
func (self *SyncEngine) queueLocalOperationLocked(syncDocument *syncDocument, operation *CrdtOperation, out *outbox) error {
	if syncDocument.state.IsOnline() {
		if self.settings.MaxPendingOperations <= syncDocument.pending.Len() {
			glog.Infof("[se]pending queue full %s\n", syncDocument.documentId)
			return ErrPendingQueueFull
		}
		sendTime := time.Now()
		syncDocument.pending.Add(&pendingOperation{
			operation:  operation,
			sendTime:   sendTime,
			resendTime: sendTime.Add(self.settings.RetryTimeout),
		})
		out.messages = append(out.messages, self.deltaMessageLocked(syncDocument, []*CrdtOperation{operation}))
		self.setStateLocked(syncDocument, SyncStateSyncing, out)
		return nil
	}

	if self.settings.MaxOfflineOperations <= len(syncDocument.offline) {
		glog.Infof("[se]offline queue full %s\n", syncDocument.documentId)
		return ErrOfflineQueueFull
	}
	syncDocument.offline = append(syncDocument.offline, operation)
	out.events = append(out.events, &SyncEvent{
		Type:       SyncEventTypeOfflineModeEnabled,
		DocumentId: syncDocument.documentId,
	})
	return nil
}

// must be called with the document lock held
func (self *SyncEngine) deltaMessageLocked(syncDocument *syncDocument, operations []*CrdtOperation) *SyncMessage {
	return &SyncMessage{
		Type: MessageTypeDelta,
		Delta: &DeltaMessage{
			DocumentId:  syncDocument.documentId,
			Operations:  operations,
			BaseVersion: syncDocument.version,
			NewVersion:  syncDocument.version + uint64(len(operations)),
			VectorClock: maps.Clone(syncDocument.vectorClock),
		},
	}
}

// typed local mutation helpers. Each mutates through the document's own
// methods, then queues the resulting operation.

func (self *SyncEngine) AddEntity(documentId Id, entityType EntityType, properties map[string]PropertyValue) (Id, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return Id{}, err
	}
	var entityId Id
	out := &outbox{}
	err = func() error {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		entity, operation := syncDocument.document.AddEntity(entityType, properties)
		entityId = entity.EntityId
		self.observeOperationLocked(syncDocument, operation)
		return self.queueLocalOperationLocked(syncDocument, operation, out)
	}()
	self.snapshotCache.Remove(documentId)
	self.flush(out)
	return entityId, err
}

func (self *SyncEngine) UpdateEntityProperty(documentId Id, entityId Id, key string, value PropertyValue) error {
	return self.localMutation(documentId, func(document *DocumentCrdt) (*CrdtOperation, error) {
		return document.UpdateEntityProperty(entityId, key, value)
	})
}

func (self *SyncEngine) UpdateEntityLayer(documentId Id, entityId Id, layerId *Id) error {
	return self.localMutation(documentId, func(document *DocumentCrdt) (*CrdtOperation, error) {
		return document.UpdateEntityLayer(entityId, layerId)
	})
}

func (self *SyncEngine) DeleteEntity(documentId Id, entityId Id) error {
	return self.localMutation(documentId, func(document *DocumentCrdt) (*CrdtOperation, error) {
		return document.DeleteEntity(entityId)
	})
}

func (self *SyncEngine) AddLayer(documentId Id) (Id, error) {
	layerId := NewId()
	err := self.localMutation(documentId, func(document *DocumentCrdt) (*CrdtOperation, error) {
		return document.AddLayer(layerId), nil
	})
	if err != nil {
		return Id{}, err
	}
	return layerId, nil
}

func (self *SyncEngine) RemoveLayer(documentId Id, layerId Id) error {
	return self.localMutation(documentId, func(document *DocumentCrdt) (*CrdtOperation, error) {
		return document.RemoveLayer(layerId)
	})
}

func (self *SyncEngine) localMutation(documentId Id, mutate func(document *DocumentCrdt) (*CrdtOperation, error)) error {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	err = func() error {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		operation, err := mutate(syncDocument.document)
		if err != nil {
			return err
		}
		if operation == nil {
			// the mutation was suppressed by a tombstone
			return nil
		}
		self.observeOperationLocked(syncDocument, operation)
		return self.queueLocalOperationLocked(syncDocument, operation, out)
	}()
	self.snapshotCache.Remove(documentId)
	self.flush(out)
	return err
}

// remote apply

// no additional validation. Correctness relies on apply being
// idempotent and order tolerant.
func (self *SyncEngine) ApplyRemoteOperations(documentId Id, operations []*CrdtOperation, version uint64) error {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	func() {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		self.applyRemoteOperationsLocked(syncDocument, operations, version, out)
	}()
	self.snapshotCache.Remove(documentId)
	self.flush(out)
	return nil
}

// must be called with the document lock held
func (self *SyncEngine) applyRemoteOperationsLocked(syncDocument *syncDocument, operations []*CrdtOperation, version uint64, out *outbox) {
	applied := 0
	for _, operation := range operations {
		for _, pending := range syncDocument.pending.Operations() {
			if operation.ConflictsWith(pending) {
				// a remote edit races an unacknowledged local edit on
				// the same register. Resolution is automatic, surface
				// the race to the host.
				operationId := operation.OperationId
				out.events = append(out.events, &SyncEvent{
					Type:        SyncEventTypeConflictDetected,
					DocumentId:  syncDocument.documentId,
					OperationId: &operationId,
					Message:     "concurrent edit resolved by timestamp",
				})
				break
			}
		}
		if err := operation.Apply(syncDocument.document); err != nil {
			// out of causal order or unknown entity. Not fatal, a later
			// full sync reconverges.
			glog.V(1).Infof("[se]remote apply %s error = %s\n", operation, err)
			continue
		}
		self.observeOperationLocked(syncDocument, operation)
		applied += 1
	}
	syncDocument.version = version
	out.events = append(out.events, &SyncEvent{
		Type:           SyncEventTypeOperationsApplied,
		DocumentId:     syncDocument.documentId,
		OperationCount: applied,
	})
	glog.V(2).Infof("[se]%s<- %d ops v%d\n", syncDocument.documentId, applied, version)
}

// inbound wire messages

func (self *SyncEngine) HandleMessage(message *SyncMessage) error {
	switch message.Type {
	case MessageTypeFullSync:
		return self.handleFullSync(message.FullSync)
	case MessageTypeDelta:
		return self.handleDelta(message.Delta)
	case MessageTypeAck:
		return self.handleAck(message.Ack)
	case MessageTypeSyncStatus:
		return self.handleSyncStatus(message.SyncStatus)
	case MessageTypeSyncRequest:
		return self.handleSyncRequest(message.SyncRequest)
	case MessageTypeRequestOps:
		return self.handleRequestOps(message.RequestOps)
	case MessageTypeHeartbeat:
		// liveness is the transport's concern
		glog.V(2).Infof("[se]heartbeat %s\n", message.Heartbeat.ClientId)
		return nil
	default:
		glog.Infof("[se]unknown message type %s\n", message.Type)
		return nil
	}
}

func (self *SyncEngine) handleFullSync(message *FullSyncMessage) error {
	syncDocument, err := self.syncDocument(message.DocumentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	err = func() error {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		if err := syncDocument.document.ApplySnapshot(message.Snapshot); err != nil {
			return err
		}
		syncDocument.version = message.Version
		self.setStateLocked(syncDocument, SyncStateSynchronized, out)
		out.events = append(out.events, &SyncEvent{
			Type:       SyncEventTypeSynchronized,
			DocumentId: syncDocument.documentId,
		})
		return nil
	}()
	self.snapshotCache.Remove(message.DocumentId)
	self.flush(out)
	return err
}

func (self *SyncEngine) handleDelta(message *DeltaMessage) error {
	syncDocument, err := self.syncDocument(message.DocumentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	func() {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		self.applyRemoteOperationsLocked(syncDocument, message.Operations, message.NewVersion, out)
		self.setStateLocked(syncDocument, SyncStateSynchronized, out)
	}()
	self.snapshotCache.Remove(message.DocumentId)
	self.flush(out)
	return nil
}

func (self *SyncEngine) handleAck(message *AckMessage) error {
	syncDocument, err := self.syncDocument(message.DocumentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	func() {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()
		for _, operationId := range message.OperationIds {
			if item := syncDocument.pending.RemoveByOperationId(operationId); item != nil {
				glog.V(2).Infof("[se]ack %s\n", operationId)
			}
		}
		syncDocument.version = message.Version
		if syncDocument.pending.Len() == 0 {
			self.setStateLocked(syncDocument, SyncStateSynchronized, out)
			out.events = append(out.events, &SyncEvent{
				Type:       SyncEventTypeSynchronized,
				DocumentId: syncDocument.documentId,
			})
		}
	}()
	self.flush(out)
	return nil
}

func (self *SyncEngine) handleSyncStatus(message *SyncStatusMessage) error {
	return self.UpdateSyncState(message.DocumentId, message.State)
}

func (self *SyncEngine) handleSyncRequest(message *SyncRequestMessage) error {
	return self.respondFullSync(message.DocumentId)
}

// the engine retains no operation log. A range request falls back to a
// full snapshot, which the requester applies in place of the replay.
func (self *SyncEngine) handleRequestOps(message *RequestOpsMessage) error {
	return self.respondFullSync(message.DocumentId)
}

func (self *SyncEngine) respondFullSync(documentId Id) error {
	snapshot, err := self.SnapshotDocument(documentId)
	if err != nil {
		return err
	}
	version, err := self.DocumentVersion(documentId)
	if err != nil {
		return err
	}
	out := &outbox{
		messages: []*SyncMessage{{
			Type: MessageTypeFullSync,
			FullSync: &FullSyncMessage{
				DocumentId: documentId,
				Snapshot:   snapshot,
				Version:    version,
			},
		}},
	}
	self.flush(out)
	return nil
}

// retry

// resubmits pending operations whose resend time has passed. An
// operation past MaxRetries is dropped with a terminal error event,
// the already applied local mutation is not rolled back.
func (self *SyncEngine) RetryPendingOperations(documentId Id) error {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return err
	}
	out := &outbox{}
	func() {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()

		now := time.Now()
		resend := []*CrdtOperation{}
		for {
			item := syncDocument.pending.PeekFirst()
			if item == nil || now.Before(item.resendTime) {
				break
			}
			item.retryCount += 1
			if self.settings.MaxRetries < item.retryCount {
				syncDocument.pending.RemoveByOperationId(item.operation.OperationId)
				operationId := item.operation.OperationId
				glog.Infof("[se]retry exhausted %s\n", operationId)
				out.events = append(out.events, &SyncEvent{
					Type:        SyncEventTypeError,
					DocumentId:  syncDocument.documentId,
					OperationId: &operationId,
					Err:         ErrRetryExhausted,
					Message:     ErrRetryExhausted.Error(),
				})
				continue
			}
			item.resendTime = now.Add(self.settings.RetryTimeout)
			syncDocument.pending.Update(item)
			resend = append(resend, item.operation)
		}
		if 0 < len(resend) {
			glog.V(1).Infof("[se]resend %s %d ops\n", syncDocument.documentId, len(resend))
			out.messages = append(out.messages, self.deltaMessageLocked(syncDocument, resend))
		}
	}()
	self.flush(out)
	return nil
}

// offline replay

// drains the offline queue back through the local apply path. Call only
// after the document has left the offline state, otherwise the
// operations stay queued.
func (self *SyncEngine) ReplayOfflineOperations(documentId Id) (int, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return 0, err
	}
	replayed := 0
	out := &outbox{}
	func() {
		syncDocument.stateLock.Lock()
		defer syncDocument.stateLock.Unlock()

		if !syncDocument.state.IsOnline() {
			return
		}
		offline := syncDocument.offline
		syncDocument.offline = nil
		for i, operation := range offline {
			// already applied locally when queued, re-apply is a no-op
			if err := operation.Apply(syncDocument.document); err != nil {
				glog.V(1).Infof("[se]replay %s error = %s\n", operation, err)
			}
			if err := self.queueLocalOperationLocked(syncDocument, operation, out); err != nil {
				// pending queue filled mid replay. Keep the rest queued
				// for the next replay.
				syncDocument.offline = append(syncDocument.offline, offline[i:]...)
				break
			}
			replayed += 1
		}
		out.events = append(out.events, &SyncEvent{
			Type:               SyncEventTypeReconnected,
			DocumentId:         syncDocument.documentId,
			ReplayedOperations: replayed,
		})
		glog.V(1).Infof("[se]replay %s %d ops\n", syncDocument.documentId, replayed)
	}()
	self.flush(out)
	return replayed, nil
}

// snapshots

// serves the most recent snapshot, re-generating only when the document
// changed or the cached copy went stale
func (self *SyncEngine) SnapshotDocument(documentId Id) (*DocumentSnapshot, error) {
	syncDocument, err := self.syncDocument(documentId)
	if err != nil {
		return nil, err
	}

	syncDocument.stateLock.RLock()
	counter := syncDocument.document.Counter()
	syncDocument.stateLock.RUnlock()

	if cached, ok := self.snapshotCache.Get(documentId); ok {
		if cached.counter == counter && time.Since(cached.createTime) < self.settings.SnapshotCacheTimeout {
			return cached.snapshot, nil
		}
	}

	syncDocument.stateLock.RLock()
	snapshot := syncDocument.document.Snapshot()
	counter = syncDocument.document.Counter()
	syncDocument.stateLock.RUnlock()

	self.snapshotCache.Add(documentId, &cachedSnapshot{
		snapshot:   snapshot,
		counter:    counter,
		createTime: time.Now(),
	})
	return snapshot, nil
}

func (self *SyncEngine) cleanupSnapshotCache() {
	for _, documentId := range self.snapshotCache.Keys() {
		if cached, ok := self.snapshotCache.Peek(documentId); ok {
			if self.settings.SnapshotCacheTimeout <= time.Since(cached.createTime) {
				self.snapshotCache.Remove(documentId)
			}
		}
	}
}

// delivery

func (self *SyncEngine) flush(out *outbox) {
	for _, event := range out.events {
		if event.Type == SyncEventTypeStateChanged {
			self.publishState(event.DocumentId, event.State)
		}
		for _, eventCallback := range self.eventCallbacks.Get() {
			HandleError(func() {
				eventCallback(event)
			})
		}
		self.events.add(event)
	}
	if send := self.sendFunction(); send != nil {
		for _, message := range out.messages {
			HandleError(func() {
				send(message)
			})
			glog.V(2).Infof("[se]-> %s\n", message)
		}
	}
}

func (self *SyncEngine) publishState(documentId Id, state SyncState) {
	self.stateLock.Lock()
	if _, ok := self.documents[documentId]; ok {
		self.documentStates[documentId] = state
	}
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()
}

func (self *SyncEngine) eventPump() {
	for {
		notify := self.events.monitor.NotifyChannel()
		events := self.events.drain()
		if len(events) == 0 {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
				continue
			}
		}
		for _, event := range events {
			select {
			case <-self.ctx.Done():
				return
			case self.eventsOut <- event:
			}
		}
	}
}

// background retry and cache expiry loop
func (self *SyncEngine) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.RetryPollInterval):
			for _, documentId := range self.documentIds() {
				self.RetryPendingOperations(documentId)
			}
			self.cleanupSnapshotCache()
		}
	}
}

func (self *SyncEngine) Close() {
	self.cancel()
}
