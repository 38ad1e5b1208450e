package cadsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// replicated state of one document, owned exclusively by its session's
// replica. All mutation goes through the document's own methods, and each
// local mutation draws its timestamp from the document's monotonic counter.
//
// not internally locked. The sync engine guards each registered document
// with its own rw lock.
type DocumentCrdt struct {
	DocumentId Id
	SiteId     Id

	entities map[Id]*EntityCrdt
	layers   *OrSet[Id]
	// every site observed in this replica's history
	sites *GSet[Id]
	// source of all timestamps and tags for this replica. Only increases.
	counter uint64
}

func NewDocumentCrdt(documentId Id, siteId Id) *DocumentCrdt {
	document := &DocumentCrdt{
		DocumentId: documentId,
		SiteId:     siteId,
		entities:   map[Id]*EntityCrdt{},
		layers:     NewOrSet[Id](),
		sites:      NewGSet[Id](),
	}
	document.sites.Add(siteId)
	return document
}

func (self *DocumentCrdt) Counter() uint64 {
	return self.counter
}

func (self *DocumentCrdt) NextTimestamp() LamportTimestamp {
	self.counter += 1
	return LamportTimestamp{
		Time:   self.counter,
		SiteId: self.SiteId,
	}
}

func (self *DocumentCrdt) NextCrdtId() CrdtId {
	self.counter += 1
	return CrdtId{
		SiteId:  self.SiteId,
		Counter: self.counter,
	}
}

// advance the counter to at least the remote clock value, so that
// freshly generated timestamps never collide with applied history
func (self *DocumentCrdt) observe(timestamp LamportTimestamp) {
	if self.counter < timestamp.Time {
		self.counter = timestamp.Time
	}
	self.sites.Add(timestamp.SiteId)
}

func (self *DocumentCrdt) Entity(entityId Id) (*EntityCrdt, bool) {
	entity, ok := self.entities[entityId]
	return entity, ok
}

func (self *DocumentCrdt) EntityCount() int {
	return len(self.entities)
}

// entities without a tombstone
func (self *DocumentCrdt) LiveEntities() []*EntityCrdt {
	entities := []*EntityCrdt{}
	for _, entity := range self.entities {
		if !entity.IsDeleted() {
			entities = append(entities, entity)
		}
	}
	return entities
}

func (self *DocumentCrdt) Layers() []Id {
	layers := self.layers.Elements()
	slices.SortFunc(layers, func(a Id, b Id) int {
		return a.Cmp(b)
	})
	return layers
}

func (self *DocumentCrdt) HasLayer(layerId Id) bool {
	return self.layers.Contains(layerId)
}

func (self *DocumentCrdt) Sites() []Id {
	sites := self.sites.Elements()
	slices.SortFunc(sites, func(a Id, b Id) int {
		return a.Cmp(b)
	})
	return sites
}

// local mutations. Each applies optimistically and returns the
// operation to transmit.

func (self *DocumentCrdt) AddEntity(entityType EntityType, properties map[string]PropertyValue) (*EntityCrdt, *CrdtOperation) {
	entityId := NewId()
	timestamp := self.NextTimestamp()
	entity := self.applyAddEntity(entityId, entityType, properties, timestamp)
	entityIdValue := entityId
	return entity, &CrdtOperation{
		OperationId: NewId(),
		DocumentId:  self.DocumentId,
		Type:        OperationTypeAddEntity,
		Timestamp:   timestamp,
		EntityId:    &entityIdValue,
		EntityType:  entityType,
		Properties:  properties,
	}
}

func (self *DocumentCrdt) UpdateEntityProperty(entityId Id, key string, value PropertyValue) (*CrdtOperation, error) {
	entity, ok := self.entities[entityId]
	if !ok {
		return nil, ErrEntityNotFound
	}
	if entity.IsDeleted() {
		// tombstoned entities accept no further mutation
		return nil, nil
	}
	timestamp := self.NextTimestamp()
	entity.UpdateProperty(key, value, timestamp)
	entityIdValue := entityId
	return &CrdtOperation{
		OperationId:   NewId(),
		DocumentId:    self.DocumentId,
		Type:          OperationTypeUpdateProperty,
		Timestamp:     timestamp,
		EntityId:      &entityIdValue,
		PropertyKey:   key,
		PropertyValue: value,
	}, nil
}

func (self *DocumentCrdt) UpdateEntityLayer(entityId Id, layerId *Id) (*CrdtOperation, error) {
	entity, ok := self.entities[entityId]
	if !ok {
		return nil, ErrEntityNotFound
	}
	if entity.IsDeleted() {
		return nil, nil
	}
	timestamp := self.NextTimestamp()
	entity.UpdateLayer(layerId, timestamp)
	entityIdValue := entityId
	return &CrdtOperation{
		OperationId: NewId(),
		DocumentId:  self.DocumentId,
		Type:        OperationTypeUpdateLayer,
		Timestamp:   timestamp,
		EntityId:    &entityIdValue,
		LayerId:     layerId,
	}, nil
}

func (self *DocumentCrdt) DeleteEntity(entityId Id) (*CrdtOperation, error) {
	entity, ok := self.entities[entityId]
	if !ok {
		return nil, ErrEntityNotFound
	}
	timestamp := self.NextTimestamp()
	entity.Delete(timestamp)
	entityIdValue := entityId
	return &CrdtOperation{
		OperationId: NewId(),
		DocumentId:  self.DocumentId,
		Type:        OperationTypeDeleteEntity,
		Timestamp:   timestamp,
		EntityId:    &entityIdValue,
	}, nil
}

func (self *DocumentCrdt) AddLayer(layerId Id) *CrdtOperation {
	tag := self.NextCrdtId()
	timestamp := LamportTimestamp{
		Time:   tag.Counter,
		SiteId: tag.SiteId,
	}
	self.layers.Add(layerId, tag)
	layerIdValue := layerId
	return &CrdtOperation{
		OperationId: NewId(),
		DocumentId:  self.DocumentId,
		Type:        OperationTypeAddLayer,
		Timestamp:   timestamp,
		LayerId:     &layerIdValue,
		LayerTag:    &tag,
	}
}

// removes the insertions observed by this replica. A concurrent
// insertion elsewhere survives.
func (self *DocumentCrdt) RemoveLayer(layerId Id) (*CrdtOperation, error) {
	if !self.layers.Contains(layerId) {
		return nil, ErrLayerNotFound
	}
	observedTags := self.layers.Tags(layerId)
	timestamp := self.NextTimestamp()
	self.layers.Remove(layerId, observedTags)
	layerIdValue := layerId
	return &CrdtOperation{
		OperationId: NewId(),
		DocumentId:  self.DocumentId,
		Type:        OperationTypeRemoveLayer,
		Timestamp:   timestamp,
		LayerId:     &layerIdValue,
		LayerTags:   observedTags,
	}, nil
}

// remote mutations, driven by CrdtOperation.Apply

func (self *DocumentCrdt) applyAddEntity(entityId Id, entityType EntityType, properties map[string]PropertyValue, timestamp LamportTimestamp) *EntityCrdt {
	entity, ok := self.entities[entityId]
	if !ok {
		entity = NewEntityCrdt(entityId, entityType, timestamp)
		self.entities[entityId] = entity
	}
	for key, value := range properties {
		entity.UpdateProperty(key, value, timestamp)
	}
	return entity
}

// merge

func (self *DocumentCrdt) Merge(other *DocumentCrdt) error {
	if self.DocumentId != other.DocumentId {
		return ErrDocumentMismatch
	}
	for entityId, otherEntity := range other.entities {
		entity, ok := self.entities[entityId]
		if !ok {
			self.entities[entityId] = otherEntity.Clone()
			continue
		}
		entity.Merge(otherEntity)
	}
	self.layers.Merge(other.layers)
	self.sites.Merge(other.sites)
	if self.counter < other.counter {
		self.counter = other.counter
	}
	return nil
}

func (self *DocumentCrdt) Clone() *DocumentCrdt {
	entities := map[Id]*EntityCrdt{}
	for entityId, entity := range self.entities {
		entities[entityId] = entity.Clone()
	}
	return &DocumentCrdt{
		DocumentId: self.DocumentId,
		SiteId:     self.SiteId,
		entities:   entities,
		layers:     self.layers.Clone(),
		sites:      self.sites.Clone(),
		counter:    self.counter,
	}
}

// snapshot

// full state alternative to incremental replay, used when a replica has
// fallen far behind or the operation log is unavailable
type DocumentSnapshot struct {
	DocumentId Id                 `json:"document_id"`
	SiteId     Id                 `json:"site_id"`
	Counter    uint64             `json:"counter"`
	Entities   map[Id]*EntityCrdt `json:"entities"`
	Layers     map[Id][]CrdtId    `json:"layers"`
	Sites      []Id               `json:"sites"`
}

func (self *DocumentCrdt) Snapshot() *DocumentSnapshot {
	entities := map[Id]*EntityCrdt{}
	for entityId, entity := range self.entities {
		entities[entityId] = entity.Clone()
	}
	layers := map[Id][]CrdtId{}
	for _, layerId := range self.layers.Elements() {
		layers[layerId] = self.layers.Tags(layerId)
	}
	return &DocumentSnapshot{
		DocumentId: self.DocumentId,
		SiteId:     self.SiteId,
		Counter:    self.counter,
		Entities:   entities,
		Layers:     layers,
		Sites:      self.Sites(),
	}
}

// replaces entity and layer state with the snapshot. The local counter
// only advances, never regresses.
func (self *DocumentCrdt) ApplySnapshot(snapshot *DocumentSnapshot) error {
	if self.DocumentId != snapshot.DocumentId {
		return ErrDocumentMismatch
	}
	entities := map[Id]*EntityCrdt{}
	for entityId, entity := range snapshot.Entities {
		entities[entityId] = entity.Clone()
	}
	layers := NewOrSet[Id]()
	for layerId, tags := range snapshot.Layers {
		for _, tag := range tags {
			layers.Add(layerId, tag)
		}
	}
	self.entities = entities
	self.layers = layers
	for _, siteId := range snapshot.Sites {
		self.sites.Add(siteId)
	}
	if self.counter < snapshot.Counter {
		self.counter = snapshot.Counter
	}
	return nil
}

// stable digest of the converged state: entities, properties, tombstones,
// and layers. Site local fields are excluded so that converged replicas
// report the same fingerprint.
func (self *DocumentCrdt) Fingerprint() string {
	snapshot := self.Snapshot()
	state := map[string]any{
		"entities": snapshot.Entities,
		"layers":   snapshot.Layers,
	}
	// map keys marshal in sorted order, so this is canonical
	stateJson, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	digest := sha256.Sum256(stateJson)
	return hex.EncodeToString(digest[:])
}

func (self *DocumentCrdt) EntityIds() []Id {
	entityIds := maps.Keys(self.entities)
	slices.SortFunc(entityIds, func(a Id, b Id) int {
		return a.Cmp(b)
	})
	return entityIds
}
