package anchor

import (
	"sync"
)

// recordQueue is the offline buffer. Appends at the tail from many
// producers, pops from the head by the single drain loop. The total
// FIFO order is the delivery-order guarantee for records created while
// disconnected.
type recordQueue struct {
	stateLock sync.Mutex

	records []*Record
}

func newRecordQueue() *recordQueue {
	return &recordQueue{
		records: []*Record{},
	}
}

func (self *recordQueue) Add(record *Record) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.records = append(self.records, record)
}

// AddHead returns a record to the front of the queue. Used when a
// drain attempt fails after the record was popped, so the next drain
// retries it first and order is preserved.
func (self *recordQueue) AddHead(record *Record) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.records = append([]*Record{record}, self.records...)
}

// PopHead removes and returns the head record, transferring ownership
// to the caller. Returns nil when empty.
func (self *recordQueue) PopHead() *Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.records) == 0 {
		return nil
	}
	record := self.records[0]
	self.records = self.records[1:]
	return record
}

func (self *recordQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.records)
}
