package cadsync

import (
	"fmt"
)

type OperationType string

const (
	OperationTypeAddEntity      OperationType = "add_entity"
	OperationTypeUpdateProperty OperationType = "update_property"
	OperationTypeUpdateLayer    OperationType = "update_entity_layer"
	OperationTypeDeleteEntity   OperationType = "delete_entity"
	OperationTypeAddLayer       OperationType = "add_layer"
	OperationTypeRemoveLayer    OperationType = "remove_layer"
	OperationTypeSnapshot       OperationType = "snapshot"
)

// a transmissible mutation. Carries the originating timestamp and tags,
// so it can be applied deterministically on any replica, in any order,
// any number of times. Every underlying mutation is governed by timestamp
// comparison, which is what makes replay safe without a total order
// broadcast.
type CrdtOperation struct {
	OperationId Id               `json:"operation_id"`
	DocumentId  Id               `json:"document_id"`
	Type        OperationType    `json:"type"`
	Timestamp   LamportTimestamp `json:"timestamp"`

	EntityId   *Id        `json:"entity_id,omitempty"`
	EntityType EntityType `json:"entity_type,omitempty"`
	// initial properties for add_entity
	Properties map[string]PropertyValue `json:"properties,omitempty"`

	PropertyKey   string        `json:"property_key,omitempty"`
	PropertyValue PropertyValue `json:"property_value,omitempty"`

	LayerId *Id `json:"layer_id,omitempty"`
	// insertion tag for add_layer
	LayerTag *CrdtId `json:"layer_tag,omitempty"`
	// observed tags cleared by remove_layer
	LayerTags []CrdtId `json:"layer_tags,omitempty"`

	Snapshot *DocumentSnapshot `json:"snapshot,omitempty"`
}

func (self *CrdtOperation) Apply(document *DocumentCrdt) error {
	if self.DocumentId != document.DocumentId {
		return ErrDocumentMismatch
	}
	// applying the same operation twice, or out of causal order,
	// never regresses state
	defer document.observe(self.Timestamp)

	switch self.Type {
	case OperationTypeAddEntity:
		if self.EntityId == nil {
			return fmt.Errorf("add_entity missing entity id")
		}
		document.applyAddEntity(*self.EntityId, self.EntityType, self.Properties, self.Timestamp)
		return nil
	case OperationTypeUpdateProperty:
		if self.EntityId == nil {
			return fmt.Errorf("update_property missing entity id")
		}
		entity, ok := document.entities[*self.EntityId]
		if !ok {
			return ErrEntityNotFound
		}
		entity.UpdateProperty(self.PropertyKey, self.PropertyValue, self.Timestamp)
		return nil
	case OperationTypeUpdateLayer:
		if self.EntityId == nil {
			return fmt.Errorf("update_entity_layer missing entity id")
		}
		entity, ok := document.entities[*self.EntityId]
		if !ok {
			return ErrEntityNotFound
		}
		entity.UpdateLayer(self.LayerId, self.Timestamp)
		return nil
	case OperationTypeDeleteEntity:
		if self.EntityId == nil {
			return fmt.Errorf("delete_entity missing entity id")
		}
		entity, ok := document.entities[*self.EntityId]
		if !ok {
			return ErrEntityNotFound
		}
		entity.Delete(self.Timestamp)
		return nil
	case OperationTypeAddLayer:
		if self.LayerId == nil || self.LayerTag == nil {
			return fmt.Errorf("add_layer missing layer id or tag")
		}
		document.layers.Add(*self.LayerId, *self.LayerTag)
		return nil
	case OperationTypeRemoveLayer:
		if self.LayerId == nil {
			return fmt.Errorf("remove_layer missing layer id")
		}
		document.layers.Remove(*self.LayerId, self.LayerTags)
		return nil
	case OperationTypeSnapshot:
		if self.Snapshot == nil {
			return fmt.Errorf("snapshot operation missing snapshot")
		}
		return document.ApplySnapshot(self.Snapshot)
	default:
		return fmt.Errorf("unknown operation type: %s", self.Type)
	}
}

// whether two operations from different origins race on the same
// register. The outcome is still deterministic, timestamp comparison
// decides, this only identifies that a race happened.
func (self *CrdtOperation) ConflictsWith(other *CrdtOperation) bool {
	if self.DocumentId != other.DocumentId || self.OperationId == other.OperationId {
		return false
	}
	if self.EntityId == nil || other.EntityId == nil || *self.EntityId != *other.EntityId {
		return false
	}
	if self.Type == OperationTypeUpdateProperty && other.Type == OperationTypeUpdateProperty {
		return self.PropertyKey == other.PropertyKey
	}
	if self.Type == OperationTypeDeleteEntity || other.Type == OperationTypeDeleteEntity {
		return true
	}
	if self.Type == OperationTypeUpdateLayer && other.Type == OperationTypeUpdateLayer {
		return true
	}
	return false
}

func (self *CrdtOperation) String() string {
	return fmt.Sprintf("%s(%s %s)", self.Type, self.OperationId, self.Timestamp)
}
