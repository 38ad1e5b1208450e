package cadsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type MemoryTransportSettings struct {
	SendBufferSize    int
	SendTimeout       time.Duration
	ReconnectStrategy ReconnectStrategy
}

func DefaultMemoryTransportSettings() *MemoryTransportSettings {
	return &MemoryTransportSettings{
		SendBufferSize:    32,
		SendTimeout:       1 * time.Second,
		ReconnectStrategy: DefaultReconnectStrategy(),
	}
}

// in process paired transport backed by channels. Honors the connection
// state machine, reconnect strategy, and heartbeats without socket io.
// Interrupt simulates a link failure, Restore lets the next reconnect
// attempt succeed.
type MemoryTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryTransportSettings

	outbound chan *SyncMessage
	inbound  chan *SyncMessage

	stateLock      sync.Mutex
	state          ConnectionState
	linkUp         bool
	reconnecting   bool
	metrics        TransportMetrics
	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewMemoryTransportPairWithDefaults(ctx context.Context) (*MemoryTransport, *MemoryTransport) {
	return NewMemoryTransportPair(ctx, DefaultMemoryTransportSettings(), DefaultMemoryTransportSettings())
}

func NewMemoryTransportPair(ctx context.Context, aSettings *MemoryTransportSettings, bSettings *MemoryTransportSettings) (*MemoryTransport, *MemoryTransport) {
	aToB := make(chan *SyncMessage, aSettings.SendBufferSize)
	bToA := make(chan *SyncMessage, bSettings.SendBufferSize)
	a := newMemoryTransport(ctx, aSettings, aToB, bToA)
	b := newMemoryTransport(ctx, bSettings, bToA, aToB)
	return a, b
}

func newMemoryTransport(ctx context.Context, settings *MemoryTransportSettings, outbound chan *SyncMessage, inbound chan *SyncMessage) *MemoryTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		outbound:       outbound,
		inbound:        inbound,
		state:          ConnectionStateDisconnected,
		linkUp:         true,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

// Transport implementation

func (self *MemoryTransport) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	if self.state.IsTerminal() {
		self.stateLock.Unlock()
		return ErrTransportClosed
	}
	linkUp := self.linkUp
	self.stateLock.Unlock()

	self.setState(ConnectionStateConnecting)
	if !linkUp {
		self.setState(ConnectionStateDisconnected)
		return ErrNotConnected
	}
	self.setState(ConnectionStateConnected)
	return nil
}

func (self *MemoryTransport) Disconnect() error {
	self.setState(ConnectionStateDisconnected)
	return nil
}

func (self *MemoryTransport) Send(ctx context.Context, message *SyncMessage) error {
	if self.State() != ConnectionStateConnected {
		return ErrNotConnected
	}
	select {
	case self.outbound <- message:
		self.stateLock.Lock()
		self.metrics.MessagesSent += 1
		self.metrics.LastSendTime = time.Now()
		self.stateLock.Unlock()
		glog.V(2).Infof("[mt]-> %s\n", message)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrTransportClosed
	case <-time.After(self.settings.SendTimeout):
		// backpressure from a slow peer
		return ErrSendTimeout
	}
}

func (self *MemoryTransport) Receive(ctx context.Context) (*SyncMessage, error) {
	select {
	case message := <-self.inbound:
		self.stateLock.Lock()
		self.metrics.MessagesReceived += 1
		self.metrics.LastReceiveTime = time.Now()
		self.stateLock.Unlock()
		glog.V(2).Infof("[mt]<- %s\n", message)
		return message, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrTransportClosed
	}
}

func (self *MemoryTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *MemoryTransport) AddStateChangeCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *MemoryTransport) Metrics() *TransportMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	metrics := self.metrics
	return &metrics
}

// link simulation

// drops the link. The transport transitions to disconnected and the
// reconnect strategy drives attempts until Restore is called, the
// attempts are exhausted, or the transport closes.
func (self *MemoryTransport) Interrupt() {
	self.stateLock.Lock()
	self.linkUp = false
	startReconnect := !self.reconnecting && self.settings.ReconnectStrategy != nil
	if startReconnect {
		self.reconnecting = true
	}
	self.stateLock.Unlock()

	self.setState(ConnectionStateDisconnected)
	if startReconnect {
		go self.reconnect()
	}
}

func (self *MemoryTransport) Restore() {
	self.stateLock.Lock()
	self.linkUp = true
	self.stateLock.Unlock()
}

func (self *MemoryTransport) reconnect() {
	defer func() {
		self.stateLock.Lock()
		self.reconnecting = false
		self.stateLock.Unlock()
	}()

	for attempt := 0; ; attempt += 1 {
		delay, ok := self.settings.ReconnectStrategy.CalculateDelay(attempt)
		if !ok {
			glog.Infof("[mt]reconnect failed after %d attempts\n", attempt)
			self.setState(ConnectionStateFailed)
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}

		self.setState(ConnectionStateReconnecting)

		self.stateLock.Lock()
		linkUp := self.linkUp
		if linkUp {
			self.metrics.ReconnectCount += 1
		}
		self.stateLock.Unlock()

		if linkUp {
			glog.V(1).Infof("[mt]reconnected attempt=%d\n", attempt)
			self.setState(ConnectionStateConnected)
			return
		}
	}
}

func (self *MemoryTransport) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state || self.state.IsTerminal() {
		self.stateLock.Unlock()
		return
	}
	previousState := self.state
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[mt]%s->%s\n", previousState, state)
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func (self *MemoryTransport) Close() {
	self.setState(ConnectionStateClosed)
	self.cancel()
}
