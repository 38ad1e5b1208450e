package cadsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testTimestamp(site byte, time uint64) LamportTimestamp {
	return LamportTimestamp{
		Time:   time,
		SiteId: Id{site},
	}
}

func testTag(site byte, counter uint64) CrdtId {
	return CrdtId{
		SiteId:  Id{site},
		Counter: counter,
	}
}

func TestLamportTimestampOrder(t *testing.T) {
	t1 := testTimestamp(1, 5)
	t2 := testTimestamp(2, 5)
	t3 := testTimestamp(1, 6)

	// site id breaks ties between equal logical times
	assert.Equal(t, t1.Before(t2), true)
	assert.Equal(t, t2.After(t1), true)
	assert.Equal(t, t1.Before(t3), true)
	assert.Equal(t, t1.Cmp(t1), 0)
	assert.Equal(t, t1.IsZero(), false)
	assert.Equal(t, LamportTimestamp{}.IsZero(), true)
}

func TestLwwRegisterUpdateOrder(t *testing.T) {
	t1 := testTimestamp(1, 1)
	t2 := testTimestamp(1, 2)

	// t1 then t2
	a := NewLwwRegister[PropertyValue]("red", t1)
	assert.Equal(t, a.Update("blue", t2), true)
	assert.Equal(t, a.Get(), "blue")

	// t2 then t1
	b := NewLwwRegister[PropertyValue]("blue", t2)
	assert.Equal(t, b.Update("red", t1), false)
	assert.Equal(t, b.Get(), "blue")

	// equal timestamp never takes effect
	assert.Equal(t, b.Update("green", t2), false)
	assert.Equal(t, b.Get(), "blue")
}

func TestLwwRegisterMergeCommutative(t *testing.T) {
	t1 := testTimestamp(1, 3)
	t2 := testTimestamp(2, 3)

	a := NewLwwRegister[PropertyValue]("a", t1)
	b := NewLwwRegister[PropertyValue]("b", t2)

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.Equal(t, ab.Get(), ba.Get())
	assert.Equal(t, ab.Timestamp, ba.Timestamp)
	// t2 wins the site id tie break
	assert.Equal(t, ab.Get(), "b")

	// idempotent
	aa := a.Clone()
	aa.Merge(a)
	assert.Equal(t, aa.Get(), a.Get())
	assert.Equal(t, aa.Timestamp, a.Timestamp)
}

func TestGSet(t *testing.T) {
	a := NewGSet[string]()
	a.Add("line")
	a.Add("circle")
	assert.Equal(t, a.Contains("line"), true)
	assert.Equal(t, a.Contains("arc"), false)
	assert.Equal(t, a.Len(), 2)

	b := NewGSet[string]()
	b.Add("circle")
	b.Add("arc")

	a.Merge(b)
	assert.Equal(t, a.Len(), 3)
	assert.Equal(t, a.Contains("arc"), true)

	// merge is idempotent
	a.Merge(b)
	assert.Equal(t, a.Len(), 3)
}

func TestTwoPhaseSetRemovalWins(t *testing.T) {
	s := NewTwoPhaseSet[string]()
	assert.Equal(t, s.Add("frame"), true)
	assert.Equal(t, s.Contains("frame"), true)

	assert.Equal(t, s.Remove("frame"), true)
	assert.Equal(t, s.Contains("frame"), false)

	// once removed, never re-added
	assert.Equal(t, s.Add("frame"), false)
	assert.Equal(t, s.Contains("frame"), false)

	// removing an element never added has no effect
	assert.Equal(t, s.Remove("ghost"), false)
}

func TestTwoPhaseSetMerge(t *testing.T) {
	a := NewTwoPhaseSet[string]()
	a.Add("x")
	a.Add("y")

	b := NewTwoPhaseSet[string]()
	b.Add("y")
	b.Remove("y")

	a.Merge(b)
	assert.Equal(t, a.Contains("x"), true)
	// remote removal wins locally too
	assert.Equal(t, a.Contains("y"), false)
	assert.Equal(t, a.Add("y"), false)
}

func TestOrSetTagSemantics(t *testing.T) {
	s := NewOrSet[string]()
	id1 := testTag(1, 1)
	id2 := testTag(2, 1)

	s.Add("walls", id1)
	s.Add("walls", id2)
	assert.Equal(t, s.Contains("walls"), true)

	s.Remove("walls", []CrdtId{id1})
	// one insertion remains observed
	assert.Equal(t, s.Contains("walls"), true)

	s.Remove("walls", []CrdtId{id2})
	assert.Equal(t, s.Contains("walls"), false)
	assert.Equal(t, s.Len(), 0)
}

func TestOrSetConcurrentReinsertion(t *testing.T) {
	a := NewOrSet[string]()
	b := NewOrSet[string]()

	sharedTag := testTag(1, 1)
	a.Add("dims", sharedTag)
	b.Add("dims", sharedTag)

	// a removes the insertion it observed while b concurrently
	// re-inserts with a fresh tag
	a.Remove("dims", []CrdtId{sharedTag})
	freshTag := testTag(2, 1)
	b.Add("dims", freshTag)

	a.Merge(b)
	// b's insertion survives a's removal
	assert.Equal(t, a.Contains("dims"), true)
	assert.Equal(t, a.Tags("dims"), []CrdtId{sharedTag, freshTag})
}

func TestOrSetMergeCommutative(t *testing.T) {
	a := NewOrSet[string]()
	a.Add("walls", testTag(1, 1))
	a.Add("roof", testTag(1, 2))

	b := NewOrSet[string]()
	b.Add("walls", testTag(2, 1))

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.Equal(t, ab.Len(), ba.Len())
	assert.Equal(t, ab.Tags("walls"), ba.Tags("walls"))
	assert.Equal(t, ab.Tags("roof"), ba.Tags("roof"))

	// idempotent
	aa := a.Clone()
	aa.Merge(a)
	assert.Equal(t, aa.Len(), a.Len())
	assert.Equal(t, aa.Tags("walls"), a.Tags("walls"))
}
