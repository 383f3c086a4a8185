package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// Logging convention, following the network component convention:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation. This includes connectivity drops, retry exhaustion,
//     and dropped outbound work.
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// V(1)/V(2):
//     key events for trace debugging - connect, flush, dispatch, heartbeat

// makes a copy of the list on update
// callbacks are invoked in add order
type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextHandle int
	handles    []int
	callbacks  map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.handles))
	for _, handle := range self.handles {
		callbacks = append(callbacks, self.callbacks[handle])
	}
	return callbacks
}

// the returned function removes the callback. It is safe to call at any time,
// including from inside the callback, and is idempotent.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle := self.nextHandle
	self.nextHandle += 1
	self.handles = append(self.handles, handle)
	self.callbacks[handle] = callback

	return func() {
		self.remove(handle)
	}
}

func (self *CallbackList[T]) remove(handle int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.handles, handle)
	if i < 0 {
		// not present
		return
	}
	nextHandles := slices.Clone(self.handles)
	nextHandles = slices.Delete(nextHandles, i, i+1)
	self.handles = nextHandles
	delete(self.callbacks, handle)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.handles)
}

// runs a callback and suppresses a panic so that one bad subscriber cannot
// take down the dispatch site
func safeCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s callback panic = %v\n", tag, r)
		}
	}()
	callback()
}

// coalesces rapid repeated calls into a single deferred execution after a
// quiet period. A new call cancels the pending timer, so only the last call
// inside the window executes.
type Debouncer struct {
	mutex  sync.Mutex
	window time.Duration
	timer  *time.Timer
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
	}
}

func (self *Debouncer) Call(callback func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.window, callback)
}

func (self *Debouncer) Stop() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
