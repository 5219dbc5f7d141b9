package anchor

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so callers can iterate the
// returned slice without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
	nextId    int
}

type callbackEntry[T any] struct {
	id       int
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// returns an unsub function
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackEntry[T]{
		id:       self.nextId,
		callback: callback,
	}
	self.nextId += 1
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, entry)
	self.callbacks = nextCallbacks

	return func() {
		self.remove(entry.id)
	}
}

func (self *CallbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry *callbackEntry[T]) bool {
		return entry.id == id
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

// fires after the remaining portion of the timeout, measured from when
// the reconnect was created
func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}
