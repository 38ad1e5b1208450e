package cadsync

import (
	"container/heap"
	"time"
)

// an operation applied locally and awaiting remote acknowledgment
type pendingOperation struct {
	operation  *CrdtOperation
	sendTime   time.Time
	resendTime time.Time
	retryCount int

	// the index of the item in the heap
	heapIndex int
}

// ordered by resendTime, with an operation id index for acks.
// not internally locked, the owning document's lock guards it.
type pendingQueue struct {
	orderedItems []*pendingOperation
	// operation_id -> item
	operationIdItems map[Id]*pendingOperation
}

func newPendingQueue() *pendingQueue {
	pendingQueue := &pendingQueue{
		orderedItems:     []*pendingOperation{},
		operationIdItems: map[Id]*pendingOperation{},
	}
	heap.Init(pendingQueue)
	return pendingQueue
}

func (self *pendingQueue) Add(item *pendingOperation) {
	self.operationIdItems[item.operation.OperationId] = item
	heap.Push(self, item)
}

// in heap order, not send order
func (self *pendingQueue) Operations() []*CrdtOperation {
	operations := []*CrdtOperation{}
	for _, item := range self.orderedItems {
		operations = append(operations, item.operation)
	}
	return operations
}

func (self *pendingQueue) ContainsOperationId(operationId Id) bool {
	_, ok := self.operationIdItems[operationId]
	return ok
}

func (self *pendingQueue) RemoveByOperationId(operationId Id) *pendingOperation {
	item, ok := self.operationIdItems[operationId]
	if !ok {
		return nil
	}
	delete(self.operationIdItems, operationId)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

func (self *pendingQueue) RemoveFirst() *pendingOperation {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*pendingOperation)
	delete(self.operationIdItems, item.operation.OperationId)
	return item
}

func (self *pendingQueue) PeekFirst() *pendingOperation {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// reinsert after the resend time changed
func (self *pendingQueue) Update(item *pendingOperation) {
	heap.Fix(self, item.heapIndex)
}

// heap.Interface

func (self *pendingQueue) Push(x any) {
	item := x.(*pendingOperation)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *pendingQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *pendingQueue) Len() int {
	return len(self.orderedItems)
}

func (self *pendingQueue) Less(i int, j int) bool {
	return self.orderedItems[i].resendTime.Before(self.orderedItems[j].resendTime)
}

func (self *pendingQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
