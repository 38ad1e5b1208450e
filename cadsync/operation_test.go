package cadsync

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOperationApplyIdempotent(t *testing.T) {
	documentId := Id{1}
	source := NewDocumentCrdt(documentId, Id{100})
	entity, addOp := source.AddEntity(EntityTypeLine, map[string]PropertyValue{"color": "red"})
	updateOp, _ := source.UpdateEntityProperty(entity.EntityId, "color", "blue")
	deleteOp, _ := source.DeleteEntity(entity.EntityId)

	replica := NewDocumentCrdt(documentId, Id{101})
	for _, operation := range []*CrdtOperation{addOp, updateOp, deleteOp} {
		assert.Equal(t, operation.Apply(replica), nil)
	}
	fingerprint := replica.Fingerprint()
	counter := replica.Counter()

	// re-applying the full history changes nothing
	for _, operation := range []*CrdtOperation{deleteOp, addOp, updateOp} {
		assert.Equal(t, operation.Apply(replica), nil)
	}
	assert.Equal(t, replica.Fingerprint(), fingerprint)
	assert.Equal(t, replica.Counter(), counter)
	assert.Equal(t, replica.Fingerprint(), source.Fingerprint())
}

func TestOperationApplyOutOfOrder(t *testing.T) {
	documentId := Id{1}
	source := NewDocumentCrdt(documentId, Id{100})
	entity, addOp := source.AddEntity(EntityTypeCircle, nil)
	updateOp, _ := source.UpdateEntityProperty(entity.EntityId, "radius", 3.5)

	replica := NewDocumentCrdt(documentId, Id{101})

	// the update references an entity the replica has not seen yet
	assert.Equal(t, updateOp.Apply(replica), ErrEntityNotFound)

	// applying the add and replaying the update converges
	assert.Equal(t, addOp.Apply(replica), nil)
	assert.Equal(t, updateOp.Apply(replica), nil)
	assert.Equal(t, replica.Fingerprint(), source.Fingerprint())
}

func TestOperationApplyWrongDocument(t *testing.T) {
	source := NewDocumentCrdt(Id{1}, Id{100})
	_, addOp := source.AddEntity(EntityTypeLine, nil)

	other := NewDocumentCrdt(Id{2}, Id{101})
	assert.Equal(t, addOp.Apply(other), ErrDocumentMismatch)
}

func TestOperationSnapshot(t *testing.T) {
	documentId := Id{1}
	source := NewDocumentCrdt(documentId, Id{100})
	source.AddEntity(EntityTypeText, map[string]PropertyValue{"value": "north arrow"})
	source.AddLayer(Id{50})

	operation := &CrdtOperation{
		OperationId: NewId(),
		DocumentId:  documentId,
		Type:        OperationTypeSnapshot,
		Timestamp:   LamportTimestamp{Time: source.Counter(), SiteId: source.SiteId},
		Snapshot:    source.Snapshot(),
	}

	replica := NewDocumentCrdt(documentId, Id{101})
	assert.Equal(t, operation.Apply(replica), nil)
	assert.Equal(t, replica.Fingerprint(), source.Fingerprint())
}

// any order, with duplication, converges to the same state
func TestOperationConvergence(t *testing.T) {
	random := rand.New(rand.NewSource(42))
	documentId := Id{1}

	a := NewDocumentCrdt(documentId, Id{100})
	b := NewDocumentCrdt(documentId, Id{101})

	// a shared base entity
	baseEntity, baseOp := a.AddEntity(EntityTypeLine, map[string]PropertyValue{"color": "white"})
	assert.Equal(t, baseOp.Apply(b), nil)

	operations := []*CrdtOperation{baseOp}
	record := func(operation *CrdtOperation, err error) {
		assert.Equal(t, err, nil)
		operations = append(operations, operation)
	}

	// independent concurrent histories on each replica
	for i := 0; i < 20; i += 1 {
		record(a.UpdateEntityProperty(baseEntity.EntityId, "color", i))
		entity, addOp := a.AddEntity(EntityTypeCircle, map[string]PropertyValue{"radius": float64(i)})
		operations = append(operations, addOp)
		if i%3 == 0 {
			record(a.DeleteEntity(entity.EntityId))
		}

		record(b.UpdateEntityProperty(baseEntity.EntityId, "color", 100+i))
		operations = append(operations, b.AddLayer(Id{byte(i)}))
		if i%4 == 0 {
			removeOp, err := b.RemoveLayer(Id{byte(i)})
			record(removeOp, err)
		}
	}

	// each replica applies the full multiset, shuffled, with duplicates
	apply := func(replica *DocumentCrdt) {
		shuffled := append([]*CrdtOperation{}, operations...)
		// duplicate a third of the history
		for i := 0; i < len(operations); i += 3 {
			shuffled = append(shuffled, operations[i])
		}
		random.Shuffle(len(shuffled), func(i int, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, operation := range shuffled {
			// out of order applies may miss entities, replay resolves
			operation.Apply(replica)
		}
		for _, operation := range shuffled {
			operation.Apply(replica)
		}
	}
	apply(a)
	apply(b)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// merging after convergence is a no-op
	fingerprint := a.Fingerprint()
	assert.Equal(t, a.Merge(b.Clone()), nil)
	assert.Equal(t, a.Fingerprint(), fingerprint)
}

func TestOperationJsonRoundtrip(t *testing.T) {
	documentId := Id{1}
	source := NewDocumentCrdt(documentId, Id{100})
	entity, _ := source.AddEntity(EntityTypeLine, nil)
	operation, err := source.UpdateEntityProperty(entity.EntityId, "color", "red")
	assert.Equal(t, err, nil)

	operationJson, err := json.Marshal(operation)
	assert.Equal(t, err, nil)

	var decoded CrdtOperation
	assert.Equal(t, json.Unmarshal(operationJson, &decoded), nil)
	assert.Equal(t, decoded.OperationId, operation.OperationId)
	assert.Equal(t, decoded.Type, operation.Type)
	assert.Equal(t, decoded.Timestamp, operation.Timestamp)
	assert.Equal(t, *decoded.EntityId, entity.EntityId)
	assert.Equal(t, decoded.PropertyValue, "red")
}
