package cadsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEntityTombstonePermanence(t *testing.T) {
	entity := NewEntityCrdt(Id{10}, EntityTypeLine, testTimestamp(1, 1))
	assert.Equal(t, entity.UpdateProperty("color", "red", testTimestamp(1, 2)), true)

	assert.Equal(t, entity.Delete(testTimestamp(1, 3)), true)
	assert.Equal(t, entity.IsDeleted(), true)

	// no further mutation after the tombstone
	assert.Equal(t, entity.UpdateProperty("color", "blue", testTimestamp(1, 4)), false)
	layerId := Id{20}
	assert.Equal(t, entity.UpdateLayer(&layerId, testTimestamp(1, 5)), false)

	color, ok := entity.Property("color")
	assert.Equal(t, ok, true)
	assert.Equal(t, color, "red")
	assert.Equal(t, entity.Layer.Get(), (*Id)(nil))
}

func TestEntityDeleteIdempotent(t *testing.T) {
	entity := NewEntityCrdt(Id{10}, EntityTypeCircle, testTimestamp(1, 1))

	assert.Equal(t, entity.Delete(testTimestamp(1, 5)), true)
	// an older or duplicate delete never moves the tombstone back
	assert.Equal(t, entity.Delete(testTimestamp(1, 5)), false)
	assert.Equal(t, entity.Delete(testTimestamp(1, 3)), false)
	assert.Equal(t, *entity.Tombstone, testTimestamp(1, 5))

	// a strictly newer delete advances it
	assert.Equal(t, entity.Delete(testTimestamp(2, 5)), true)
	assert.Equal(t, *entity.Tombstone, testTimestamp(2, 5))
}

func TestEntityMerge(t *testing.T) {
	a := NewEntityCrdt(Id{10}, EntityTypeLine, testTimestamp(1, 1))
	a.UpdateProperty("color", "red", testTimestamp(1, 2))
	a.UpdateProperty("width", 2.5, testTimestamp(1, 3))

	b := NewEntityCrdt(Id{10}, EntityTypeLine, testTimestamp(2, 2))
	b.UpdateProperty("color", "blue", testTimestamp(2, 4))
	layerId := Id{20}
	b.UpdateLayer(&layerId, testTimestamp(2, 5))

	a.Merge(b)

	// per property lww
	color, _ := a.Property("color")
	assert.Equal(t, color, "blue")
	width, _ := a.Property("width")
	assert.Equal(t, width, 2.5)
	assert.Equal(t, *a.Layer.Get(), layerId)

	// created at is the earlier, modified at the later
	assert.Equal(t, a.CreatedAt, testTimestamp(1, 1))
	assert.Equal(t, a.ModifiedAt, testTimestamp(2, 5))
}

func TestEntityMergeTombstone(t *testing.T) {
	a := NewEntityCrdt(Id{10}, EntityTypeArc, testTimestamp(1, 1))
	b := a.Clone()
	b.Delete(testTimestamp(2, 7))

	a.Merge(b)
	assert.Equal(t, a.IsDeleted(), true)
	assert.Equal(t, *a.Tombstone, testTimestamp(2, 7))

	// merging the other way yields the same tombstone
	c := NewEntityCrdt(Id{10}, EntityTypeArc, testTimestamp(1, 1))
	c.Delete(testTimestamp(1, 9))
	c.Merge(b)
	assert.Equal(t, *c.Tombstone, testTimestamp(1, 9))
}
