package cadsync

import (
	"golang.org/x/exp/maps"
)

type EntityType string

const (
	EntityTypeLine      EntityType = "line"
	EntityTypeCircle    EntityType = "circle"
	EntityTypeArc       EntityType = "arc"
	EntityTypePolyline  EntityType = "polyline"
	EntityTypeText      EntityType = "text"
	EntityTypeDimension EntityType = "dimension"
	EntityTypeBlockRef  EntityType = "block_ref"
)

// property values are json-shaped: strings, numbers, bools,
// []any, and map[string]any
type PropertyValue = any

// replicated state of a single document entity. Each property is an
// independent lww register, so concurrent edits of different properties
// on the same entity never conflict.
type EntityCrdt struct {
	EntityId   Id                                `json:"entity_id"`
	EntityType EntityType                        `json:"entity_type"`
	Properties map[string]*LwwRegister[PropertyValue] `json:"properties"`
	// nil layer id means the entity is not assigned to a layer
	Layer      *LwwRegister[*Id]  `json:"layer"`
	Tombstone  *LamportTimestamp  `json:"tombstone,omitempty"`
	CreatedAt  LamportTimestamp   `json:"created_at"`
	ModifiedAt LamportTimestamp   `json:"modified_at"`
}

func NewEntityCrdt(entityId Id, entityType EntityType, timestamp LamportTimestamp) *EntityCrdt {
	return &EntityCrdt{
		EntityId:   entityId,
		EntityType: entityType,
		Properties: map[string]*LwwRegister[PropertyValue]{},
		Layer:      NewLwwRegister[*Id](nil, timestamp),
		CreatedAt:  timestamp,
		ModifiedAt: timestamp,
	}
}

func (self *EntityCrdt) IsDeleted() bool {
	return self.Tombstone != nil
}

func (self *EntityCrdt) Property(key string) (PropertyValue, bool) {
	register, ok := self.Properties[key]
	if !ok {
		return nil, false
	}
	return register.Get(), true
}

// returns false once the entity is tombstoned, or when the timestamp
// is not newer than the stored one
func (self *EntityCrdt) UpdateProperty(key string, value PropertyValue, timestamp LamportTimestamp) bool {
	if self.IsDeleted() {
		return false
	}
	register, ok := self.Properties[key]
	if !ok {
		self.Properties[key] = NewLwwRegister(value, timestamp)
		self.touch(timestamp)
		return true
	}
	if !register.Update(value, timestamp) {
		return false
	}
	self.touch(timestamp)
	return true
}

func (self *EntityCrdt) UpdateLayer(layerId *Id, timestamp LamportTimestamp) bool {
	if self.IsDeleted() {
		return false
	}
	if !self.Layer.Update(layerId, timestamp) {
		return false
	}
	self.touch(timestamp)
	return true
}

// repeated deletes are idempotent. An existing tombstone is only
// overwritten by a strictly newer timestamp.
func (self *EntityCrdt) Delete(timestamp LamportTimestamp) bool {
	if self.Tombstone != nil && !self.Tombstone.Before(timestamp) {
		return false
	}
	tombstone := timestamp
	self.Tombstone = &tombstone
	self.touch(timestamp)
	return true
}

func (self *EntityCrdt) touch(timestamp LamportTimestamp) {
	if self.ModifiedAt.Before(timestamp) {
		self.ModifiedAt = timestamp
	}
}

func (self *EntityCrdt) Merge(other *EntityCrdt) {
	for key, otherRegister := range other.Properties {
		register, ok := self.Properties[key]
		if !ok {
			self.Properties[key] = otherRegister.Clone()
			continue
		}
		register.Merge(otherRegister)
	}
	self.Layer.Merge(other.Layer)
	if other.Tombstone != nil {
		if self.Tombstone == nil || self.Tombstone.Before(*other.Tombstone) {
			tombstone := *other.Tombstone
			self.Tombstone = &tombstone
		}
	}
	if other.CreatedAt.Before(self.CreatedAt) {
		self.CreatedAt = other.CreatedAt
	}
	if self.ModifiedAt.Before(other.ModifiedAt) {
		self.ModifiedAt = other.ModifiedAt
	}
}

func (self *EntityCrdt) Clone() *EntityCrdt {
	properties := map[string]*LwwRegister[PropertyValue]{}
	for key, register := range self.Properties {
		properties[key] = register.Clone()
	}
	clone := &EntityCrdt{
		EntityId:   self.EntityId,
		EntityType: self.EntityType,
		Properties: properties,
		Layer:      self.Layer.Clone(),
		CreatedAt:  self.CreatedAt,
		ModifiedAt: self.ModifiedAt,
	}
	if self.Tombstone != nil {
		tombstone := *self.Tombstone
		clone.Tombstone = &tombstone
	}
	return clone
}

func (self *EntityCrdt) PropertyKeys() []string {
	return maps.Keys(self.Properties)
}
