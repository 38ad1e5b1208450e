package cadsync

import "errors"

// closed error taxonomy for the sync core.
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for documents
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already registered")
	ErrDocumentMismatch = errors.New("document id does not match")
)

// used for entities
var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrLayerNotFound  = errors.New("layer not found")
)

// used for queue backpressure. Recoverable, the caller decides whether
// to slow down, drop, or surface to the end user.
var (
	ErrPendingQueueFull = errors.New("pending operation queue full")
	ErrOfflineQueueFull = errors.New("offline operation queue full")
)

// used for pending operation retry
var (
	ErrRetryExhausted = errors.New("operation retries exhausted")
)

// used for transports
var (
	ErrNotConnected    = errors.New("transport not connected")
	ErrTransportClosed = errors.New("transport closed")
	ErrSendTimeout     = errors.New("send timed out")
)
