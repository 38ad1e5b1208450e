package cadsync

import (
	"fmt"
)

// wire contract between replicas. Byte layout is the transport's concern,
// the engine only deals in these structs.

type MessageType string

const (
	MessageTypeSyncRequest MessageType = "sync_request"
	MessageTypeFullSync    MessageType = "full_sync"
	MessageTypeDelta       MessageType = "delta"
	MessageTypeAck         MessageType = "ack"
	MessageTypeRequestOps  MessageType = "request_ops"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeSyncStatus  MessageType = "sync_status"
)

type SyncMessage struct {
	Type MessageType `json:"type"`

	SyncRequest *SyncRequestMessage `json:"sync_request,omitempty"`
	FullSync    *FullSyncMessage    `json:"full_sync,omitempty"`
	Delta       *DeltaMessage       `json:"delta,omitempty"`
	Ack         *AckMessage         `json:"ack,omitempty"`
	RequestOps  *RequestOpsMessage  `json:"request_ops,omitempty"`
	Heartbeat   *HeartbeatMessage   `json:"heartbeat,omitempty"`
	SyncStatus  *SyncStatusMessage  `json:"sync_status,omitempty"`
}

type SyncRequestMessage struct {
	DocumentId       Id     `json:"document_id"`
	ClientId         Id     `json:"client_id"`
	LastKnownVersion uint64 `json:"last_known_version"`
}

type FullSyncMessage struct {
	DocumentId Id                `json:"document_id"`
	Snapshot   *DocumentSnapshot `json:"snapshot"`
	Version    uint64            `json:"version"`
}

type DeltaMessage struct {
	DocumentId  Id               `json:"document_id"`
	Operations  []*CrdtOperation `json:"operations"`
	BaseVersion uint64           `json:"base_version"`
	NewVersion  uint64           `json:"new_version"`
	// site id -> greatest observed logical time
	VectorClock map[Id]uint64 `json:"vector_clock,omitempty"`
}

type AckMessage struct {
	DocumentId   Id     `json:"document_id"`
	OperationIds []Id   `json:"operation_ids"`
	Version      uint64 `json:"version"`
}

type RequestOpsMessage struct {
	DocumentId  Id     `json:"document_id"`
	FromVersion uint64 `json:"from_version"`
	ToVersion   uint64 `json:"to_version"`
}

type HeartbeatMessage struct {
	ClientId Id `json:"client_id"`
	// unix milliseconds at the sender
	Timestamp int64 `json:"timestamp"`
}

type SyncStatusMessage struct {
	DocumentId Id        `json:"document_id"`
	State      SyncState `json:"state"`
	Message    string    `json:"message,omitempty"`
}

func (self *SyncMessage) DocumentId() (Id, bool) {
	switch self.Type {
	case MessageTypeSyncRequest:
		if self.SyncRequest != nil {
			return self.SyncRequest.DocumentId, true
		}
	case MessageTypeFullSync:
		if self.FullSync != nil {
			return self.FullSync.DocumentId, true
		}
	case MessageTypeDelta:
		if self.Delta != nil {
			return self.Delta.DocumentId, true
		}
	case MessageTypeAck:
		if self.Ack != nil {
			return self.Ack.DocumentId, true
		}
	case MessageTypeRequestOps:
		if self.RequestOps != nil {
			return self.RequestOps.DocumentId, true
		}
	case MessageTypeSyncStatus:
		if self.SyncStatus != nil {
			return self.SyncStatus.DocumentId, true
		}
	}
	return Id{}, false
}

func (self *SyncMessage) String() string {
	if documentId, ok := self.DocumentId(); ok {
		return fmt.Sprintf("%s(%s)", self.Type, documentId)
	}
	return string(self.Type)
}
