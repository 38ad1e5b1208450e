package cadsync

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// convergent building blocks. Merge for each is commutative, associative,
// and idempotent, which is what lets replicas apply operations in any
// order and still converge.
//
// the primitives are not internally locked. The owning document's lock
// guards them (see SyncEngine).

// last writer wins register. An update takes effect only when the
// incoming timestamp is strictly greater than the stored one.
type LwwRegister[T any] struct {
	Value     T                `json:"value"`
	Timestamp LamportTimestamp `json:"timestamp"`
}

func NewLwwRegister[T any](value T, timestamp LamportTimestamp) *LwwRegister[T] {
	return &LwwRegister[T]{
		Value:     value,
		Timestamp: timestamp,
	}
}

func (self *LwwRegister[T]) Update(value T, timestamp LamportTimestamp) bool {
	if !self.Timestamp.Before(timestamp) {
		return false
	}
	self.Value = value
	self.Timestamp = timestamp
	return true
}

func (self *LwwRegister[T]) Get() T {
	return self.Value
}

func (self *LwwRegister[T]) Merge(other *LwwRegister[T]) {
	self.Update(other.Value, other.Timestamp)
}

func (self *LwwRegister[T]) Clone() *LwwRegister[T] {
	return &LwwRegister[T]{
		Value:     self.Value,
		Timestamp: self.Timestamp,
	}
}

// grow only set. No removal, merge is set union.
type GSet[T comparable] struct {
	elements map[T]bool
}

func NewGSet[T comparable]() *GSet[T] {
	return &GSet[T]{
		elements: map[T]bool{},
	}
}

func (self *GSet[T]) Add(element T) {
	self.elements[element] = true
}

func (self *GSet[T]) Contains(element T) bool {
	return self.elements[element]
}

func (self *GSet[T]) Len() int {
	return len(self.elements)
}

func (self *GSet[T]) Elements() []T {
	return maps.Keys(self.elements)
}

func (self *GSet[T]) Merge(other *GSet[T]) {
	for element := range other.elements {
		self.elements[element] = true
	}
}

func (self *GSet[T]) Clone() *GSet[T] {
	return &GSet[T]{
		elements: maps.Clone(self.elements),
	}
}

// two phase set. Removal wins permanently, a removed element can never
// be re-added.
type TwoPhaseSet[T comparable] struct {
	added   *GSet[T]
	removed *GSet[T]
}

func NewTwoPhaseSet[T comparable]() *TwoPhaseSet[T] {
	return &TwoPhaseSet[T]{
		added:   NewGSet[T](),
		removed: NewGSet[T](),
	}
}

// returns false if the element was already removed
func (self *TwoPhaseSet[T]) Add(element T) bool {
	if self.removed.Contains(element) {
		return false
	}
	self.added.Add(element)
	return true
}

// returns false if the element was never added
func (self *TwoPhaseSet[T]) Remove(element T) bool {
	if !self.added.Contains(element) {
		return false
	}
	self.removed.Add(element)
	return true
}

func (self *TwoPhaseSet[T]) Contains(element T) bool {
	return self.added.Contains(element) && !self.removed.Contains(element)
}

func (self *TwoPhaseSet[T]) Elements() []T {
	elements := []T{}
	for _, element := range self.added.Elements() {
		if !self.removed.Contains(element) {
			elements = append(elements, element)
		}
	}
	return elements
}

func (self *TwoPhaseSet[T]) Merge(other *TwoPhaseSet[T]) {
	self.added.Merge(other.added)
	self.removed.Merge(other.removed)
}

func (self *TwoPhaseSet[T]) Clone() *TwoPhaseSet[T] {
	return &TwoPhaseSet[T]{
		added:   self.added.Clone(),
		removed: self.removed.Clone(),
	}
}

// observed remove set. Each insertion carries a unique tag, and removal
// names the specific tags observed at the remover. A concurrent insertion
// with an unobserved tag survives the removal.
type OrSet[T comparable] struct {
	// element -> insertion tags
	elements map[T]map[CrdtId]bool
}

func NewOrSet[T comparable]() *OrSet[T] {
	return &OrSet[T]{
		elements: map[T]map[CrdtId]bool{},
	}
}

func (self *OrSet[T]) Add(element T, tag CrdtId) {
	tags, ok := self.elements[element]
	if !ok {
		tags = map[CrdtId]bool{}
		self.elements[element] = tags
	}
	tags[tag] = true
}

// clears only the given tags. The element stays visible while any
// tag remains, and the entry is dropped once the tag set is empty.
func (self *OrSet[T]) Remove(element T, removeTags []CrdtId) {
	tags, ok := self.elements[element]
	if !ok {
		return
	}
	for _, tag := range removeTags {
		delete(tags, tag)
	}
	if len(tags) == 0 {
		delete(self.elements, element)
	}
}

func (self *OrSet[T]) Contains(element T) bool {
	return 0 < len(self.elements[element])
}

func (self *OrSet[T]) Tags(element T) []CrdtId {
	tags := maps.Keys(self.elements[element])
	slices.SortFunc(tags, func(a CrdtId, b CrdtId) int {
		return a.Cmp(b)
	})
	return tags
}

func (self *OrSet[T]) Len() int {
	return len(self.elements)
}

func (self *OrSet[T]) Elements() []T {
	return maps.Keys(self.elements)
}

func (self *OrSet[T]) Merge(other *OrSet[T]) {
	for element, tags := range other.elements {
		for tag := range tags {
			self.Add(element, tag)
		}
	}
}

func (self *OrSet[T]) Clone() *OrSet[T] {
	clone := NewOrSet[T]()
	for element, tags := range self.elements {
		clone.elements[element] = maps.Clone(tags)
	}
	return clone
}
