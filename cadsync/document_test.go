package cadsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDocumentLocalMutations(t *testing.T) {
	document := NewDocumentCrdt(Id{1}, Id{100})

	entity, addOp := document.AddEntity(EntityTypeLine, map[string]PropertyValue{
		"start": []any{0.0, 0.0},
		"end":   []any{10.0, 5.0},
	})
	assert.Equal(t, addOp.Type, OperationTypeAddEntity)
	assert.Equal(t, document.EntityCount(), 1)

	updateOp, err := document.UpdateEntityProperty(entity.EntityId, "color", "red")
	assert.Equal(t, err, nil)
	assert.Equal(t, updateOp.Type, OperationTypeUpdateProperty)
	color, _ := entity.Property("color")
	assert.Equal(t, color, "red")

	deleteOp, err := document.DeleteEntity(entity.EntityId)
	assert.Equal(t, err, nil)
	assert.Equal(t, deleteOp.Type, OperationTypeDeleteEntity)
	assert.Equal(t, entity.IsDeleted(), true)
	// entities are tombstoned, never physically removed
	assert.Equal(t, document.EntityCount(), 1)
	assert.Equal(t, len(document.LiveEntities()), 0)

	// a tombstoned entity silently suppresses further updates
	suppressedOp, err := document.UpdateEntityProperty(entity.EntityId, "color", "blue")
	assert.Equal(t, err, nil)
	assert.Equal(t, suppressedOp, (*CrdtOperation)(nil))
}

func TestDocumentEntityNotFound(t *testing.T) {
	document := NewDocumentCrdt(Id{1}, Id{100})

	_, err := document.UpdateEntityProperty(Id{99}, "color", "red")
	assert.Equal(t, err, ErrEntityNotFound)

	_, err = document.DeleteEntity(Id{99})
	assert.Equal(t, err, ErrEntityNotFound)

	_, err = document.RemoveLayer(Id{99})
	assert.Equal(t, err, ErrLayerNotFound)
}

func TestDocumentCounterMonotonic(t *testing.T) {
	document := NewDocumentCrdt(Id{1}, Id{100})

	t1 := document.NextTimestamp()
	t2 := document.NextTimestamp()
	tag := document.NextCrdtId()
	assert.Equal(t, t1.Time, uint64(1))
	assert.Equal(t, t2.Time, uint64(2))
	assert.Equal(t, tag.Counter, uint64(3))

	// observing a remote clock only advances
	document.observe(testTimestamp(2, 10))
	assert.Equal(t, document.Counter(), uint64(10))
	document.observe(testTimestamp(2, 4))
	assert.Equal(t, document.Counter(), uint64(10))

	// timestamps generated after a merge never collide with history
	t3 := document.NextTimestamp()
	assert.Equal(t, t3.Time, uint64(11))
}

func TestDocumentMergeIdempotent(t *testing.T) {
	document := NewDocumentCrdt(Id{1}, Id{100})
	entity, _ := document.AddEntity(EntityTypeCircle, map[string]PropertyValue{"radius": 4.0})
	document.UpdateEntityProperty(entity.EntityId, "color", "green")
	document.AddLayer(Id{50})

	fingerprint := document.Fingerprint()
	err := document.Merge(document.Clone())
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Fingerprint(), fingerprint)
}

func TestDocumentMergeCommutative(t *testing.T) {
	documentId := Id{1}
	a := NewDocumentCrdt(documentId, Id{100})
	b := NewDocumentCrdt(documentId, Id{101})

	entityA, _ := a.AddEntity(EntityTypeLine, map[string]PropertyValue{"color": "red"})
	a.AddLayer(Id{50})
	entityB, _ := b.AddEntity(EntityTypeText, map[string]PropertyValue{"value": "elevation"})
	b.DeleteEntity(entityB.EntityId)

	ab := a.Clone()
	err := ab.Merge(b)
	assert.Equal(t, err, nil)
	ba := b.Clone()
	err = ba.Merge(a)
	assert.Equal(t, err, nil)

	assert.Equal(t, ab.Fingerprint(), ba.Fingerprint())
	assert.Equal(t, ab.Counter(), ba.Counter())
	assert.Equal(t, ab.EntityCount(), 2)

	mergedA, _ := ab.Entity(entityA.EntityId)
	assert.Equal(t, mergedA.IsDeleted(), false)
	mergedB, _ := ab.Entity(entityB.EntityId)
	assert.Equal(t, mergedB.IsDeleted(), true)
}

func TestDocumentMergeMismatch(t *testing.T) {
	a := NewDocumentCrdt(Id{1}, Id{100})
	b := NewDocumentCrdt(Id{2}, Id{101})
	assert.Equal(t, a.Merge(b), ErrDocumentMismatch)
}

func TestDocumentSnapshotRoundtrip(t *testing.T) {
	document := NewDocumentCrdt(Id{1}, Id{100})
	entity, _ := document.AddEntity(EntityTypePolyline, map[string]PropertyValue{"closed": true})
	document.AddLayer(Id{50})
	document.UpdateEntityLayer(entity.EntityId, &Id{50})
	document.DeleteEntity(entity.EntityId)

	snapshot := document.Snapshot()

	restored := NewDocumentCrdt(Id{1}, Id{101})
	err := restored.ApplySnapshot(snapshot)
	assert.Equal(t, err, nil)

	assert.Equal(t, restored.Fingerprint(), document.Fingerprint())
	assert.Equal(t, restored.Counter(), document.Counter())

	// a snapshot for a different document is rejected
	other := NewDocumentCrdt(Id{2}, Id{102})
	assert.Equal(t, other.ApplySnapshot(snapshot), ErrDocumentMismatch)
}

func TestDocumentConcurrentConflictingEdit(t *testing.T) {
	documentId := Id{1}
	a := NewDocumentCrdt(documentId, Id{100})
	b := NewDocumentCrdt(documentId, Id{101})

	// both replicas start from the same entity
	entity, addOp := a.AddEntity(EntityTypeLine, nil)
	assert.Equal(t, addOp.Apply(b), nil)

	// concurrent conflicting property edits
	opA, err := a.UpdateEntityProperty(entity.EntityId, "color", "red")
	assert.Equal(t, err, nil)
	opB, err := b.UpdateEntityProperty(entity.EntityId, "color", "blue")
	assert.Equal(t, err, nil)

	// exchange
	assert.Equal(t, opB.Apply(a), nil)
	assert.Equal(t, opA.Apply(b), nil)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// both converge to the strictly greater timestamp
	winner := opA
	if opA.Timestamp.Before(opB.Timestamp) {
		winner = opB
	}
	entityA, _ := a.Entity(entity.EntityId)
	colorA, _ := entityA.Property("color")
	assert.Equal(t, colorA, winner.PropertyValue)
	entityB, _ := b.Entity(entity.EntityId)
	colorB, _ := entityB.Property("color")
	assert.Equal(t, colorB, winner.PropertyValue)
}

func TestDocumentRemoveLayerSurvivesConcurrentInsert(t *testing.T) {
	documentId := Id{1}
	a := NewDocumentCrdt(documentId, Id{100})
	b := NewDocumentCrdt(documentId, Id{101})

	layerId := Id{50}
	addA := a.AddLayer(layerId)
	assert.Equal(t, addA.Apply(b), nil)

	// b re-inserts concurrently with a's removal
	addB := b.AddLayer(layerId)
	removeA, err := a.RemoveLayer(layerId)
	assert.Equal(t, err, nil)

	assert.Equal(t, addB.Apply(a), nil)
	assert.Equal(t, removeA.Apply(b), nil)

	// the unobserved insertion survives on both sides
	assert.Equal(t, a.HasLayer(layerId), true)
	assert.Equal(t, b.HasLayer(layerId), true)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}
