package cadsync

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateClosed       ConnectionState = "closed"
	ConnectionStateFailed       ConnectionState = "failed"
)

func (self ConnectionState) IsTerminal() bool {
	switch self {
	case ConnectionStateClosed, ConnectionStateFailed:
		return true
	default:
		return false
	}
}

type ConnectionStateFunction = func(state ConnectionState)

type TransportMetrics struct {
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	ReconnectCount   int       `json:"reconnect_count"`
	LastSendTime     time.Time `json:"last_send_time"`
	LastReceiveTime  time.Time `json:"last_receive_time"`
}

// any concrete socket technology plugs in here. Send requires the
// connected state and fails fast otherwise, receive blocks until a
// message arrives, the context is done, or the transport closes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, message *SyncMessage) error
	Receive(ctx context.Context) (*SyncMessage, error)
	State() ConnectionState
	AddStateChangeCallback(stateCallback ConnectionStateFunction) func()
	Metrics() *TransportMetrics
}

// reconnection strategies

type ReconnectStrategy interface {
	// the delay before the given attempt (starting at 0), or false when
	// no further attempt should be made
	CalculateDelay(attempt int) (time.Duration, bool)
}

// never reconnect
type NoReconnect struct{}

func (self *NoReconnect) CalculateDelay(attempt int) (time.Duration, bool) {
	return 0, false
}

// constant delay until attempts are exhausted.
// MaxAttempts 0 means unlimited.
type FixedDelayReconnect struct {
	Delay       time.Duration
	MaxAttempts int
}

func (self *FixedDelayReconnect) CalculateDelay(attempt int) (time.Duration, bool) {
	if 0 < self.MaxAttempts && self.MaxAttempts <= attempt {
		return 0, false
	}
	return self.Delay, true
}

// min(initial * multiplier^attempt, max), none past MaxAttempts.
// MaxAttempts 0 means unlimited.
type ExponentialBackoffReconnect struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

func DefaultReconnectStrategy() ReconnectStrategy {
	return &ExponentialBackoffReconnect{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (self *ExponentialBackoffReconnect) CalculateDelay(attempt int) (time.Duration, bool) {
	if 0 < self.MaxAttempts && self.MaxAttempts <= attempt {
		return 0, false
	}
	delay := time.Duration(float64(self.InitialDelay) * math.Pow(self.Multiplier, float64(attempt)))
	if self.MaxDelay < delay {
		delay = self.MaxDelay
	}
	return delay, true
}

// heartbeat

type HeartbeatSettings struct {
	// how often a heartbeat is written while connected
	Interval time.Duration
	// gap since the last received heartbeat that signals a timeout
	Timeout time.Duration
}

func DefaultHeartbeatSettings() *HeartbeatSettings {
	return &HeartbeatSettings{
		Interval: 5 * time.Second,
		Timeout:  15 * time.Second,
	}
}

type HeartbeatTimeoutFunction = func(gap time.Duration)

// background liveness check per transport. Sends a heartbeat on a fixed
// interval while connected and signals when the gap since the last
// received heartbeat exceeds the timeout. The signal is observability
// only, it does not force a reconnect.
type HeartbeatMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId  Id
	transport Transport
	settings  *HeartbeatSettings

	stateLock        sync.Mutex
	lastSendTime     time.Time
	lastReceiveTime  time.Time
	timedOut         bool
	timeoutCallbacks *CallbackList[HeartbeatTimeoutFunction]
}

func NewHeartbeatMonitorWithDefaults(ctx context.Context, clientId Id, transport Transport) *HeartbeatMonitor {
	return NewHeartbeatMonitor(ctx, clientId, transport, DefaultHeartbeatSettings())
}

func NewHeartbeatMonitor(ctx context.Context, clientId Id, transport Transport, settings *HeartbeatSettings) *HeartbeatMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	monitor := &HeartbeatMonitor{
		ctx:              cancelCtx,
		cancel:           cancel,
		clientId:         clientId,
		transport:        transport,
		settings:         settings,
		lastSendTime:     now,
		lastReceiveTime:  now,
		timeoutCallbacks: NewCallbackList[HeartbeatTimeoutFunction](),
	}
	go monitor.run()
	return monitor
}

func (self *HeartbeatMonitor) AddTimeoutCallback(timeoutCallback HeartbeatTimeoutFunction) func() {
	callbackId := self.timeoutCallbacks.Add(timeoutCallback)
	return func() {
		self.timeoutCallbacks.Remove(callbackId)
	}
}

// transports call this for each inbound heartbeat message
func (self *HeartbeatMonitor) ReceiveHeartbeat(message *HeartbeatMessage) {
	self.stateLock.Lock()
	self.lastReceiveTime = time.Now()
	self.timedOut = false
	self.stateLock.Unlock()
	glog.V(2).Infof("[hb]%s<-\n", message.ClientId)
}

func (self *HeartbeatMonitor) LastSendTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSendTime
}

func (self *HeartbeatMonitor) LastReceiveTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastReceiveTime
}

func (self *HeartbeatMonitor) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.Interval):
		}

		if self.transport.State() != ConnectionStateConnected {
			continue
		}

		message := &SyncMessage{
			Type: MessageTypeHeartbeat,
			Heartbeat: &HeartbeatMessage{
				ClientId:  self.clientId,
				Timestamp: time.Now().UnixMilli(),
			},
		}
		if err := self.transport.Send(self.ctx, message); err != nil {
			glog.V(1).Infof("[hb]%s-> error = %s\n", self.clientId, err)
		} else {
			self.stateLock.Lock()
			self.lastSendTime = time.Now()
			self.stateLock.Unlock()
			glog.V(2).Infof("[hb]%s->\n", self.clientId)
		}

		self.checkTimeout()
	}
}

func (self *HeartbeatMonitor) checkTimeout() {
	self.stateLock.Lock()
	gap := time.Since(self.lastReceiveTime)
	signal := self.settings.Timeout <= gap && !self.timedOut
	if signal {
		// signal once per outage
		self.timedOut = true
	}
	self.stateLock.Unlock()

	if !signal {
		return
	}
	glog.Infof("[hb]timeout %s gap=%dms\n", self.clientId, gap/time.Millisecond)
	for _, timeoutCallback := range self.timeoutCallbacks.Get() {
		HandleError(func() {
			timeoutCallback(gap)
		})
	}
}

func (self *HeartbeatMonitor) Close() {
	self.cancel()
}
