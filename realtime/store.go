package realtime

import (
	"reflect"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// (newValue, oldValue). A deleted key notifies with newValue nil.
type SubscribeFunction func(newValue any, oldValue any)

// Store is a reactive key/value document. Each key holds one state slice that
// exactly one domain store writes. Subscribers are notified synchronously,
// in registration order, before the mutating call returns.
//
// Change detection is by identity for reference values and by equality for
// primitives. Two structurally equal but distinct objects passed to `Set` do
// notify. Every domain store mutation reconstructs its slice, so this is what
// makes notification reliable.
type Store struct {
	stateLock   sync.Mutex
	values      map[string]any
	subscribers map[string]*CallbackList[SubscribeFunction]
}

func NewStore() *Store {
	return &Store{
		values:      map[string]any{},
		subscribers: map[string]*CallbackList[SubscribeFunction]{},
	}
}

// pure read, no side effect. The second value is false if the key is absent.
func (self *Store) Get(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	return value, ok
}

// replaces the slice wholesale and returns the new value
func (self *Store) Set(key string, value any) any {
	self.stateLock.Lock()
	oldValue, hadValue := self.values[key]
	self.values[key] = value
	self.stateLock.Unlock()

	if hadValue && sameValue(oldValue, value) {
		return value
	}
	self.notify(key, value, oldValue)
	return value
}

// shallow-merges `partial` into the current map value, or `{}` if absent,
// then performs a `Set`. Defined only for map-valued slices.
func (self *Store) Update(key string, partial map[string]any) any {
	self.stateLock.Lock()
	nextValue := map[string]any{}
	if value, ok := self.values[key]; ok {
		if mapValue, ok := value.(map[string]any); ok {
			maps.Copy(nextValue, mapValue)
		}
	}
	maps.Copy(nextValue, partial)
	self.stateLock.Unlock()

	return self.Set(key, nextValue)
}

// removes the slice and notifies subscribers with a nil new value.
// Deleting an absent key is a no-op.
func (self *Store) Delete(key string) {
	self.stateLock.Lock()
	oldValue, hadValue := self.values[key]
	delete(self.values, key)
	self.stateLock.Unlock()

	if !hadValue {
		return
	}
	self.notify(key, nil, oldValue)
}

func (self *Store) Subscribe(key string, callback SubscribeFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.subscribers[key]
	if !ok {
		callbacks = NewCallbackList[SubscribeFunction]()
		self.subscribers[key] = callbacks
	}
	self.stateLock.Unlock()

	return callbacks.Add(callback)
}

// deletes every key. Each deletion individually notifies its subscribers.
func (self *Store) Reset() {
	self.stateLock.Lock()
	keys := maps.Keys(self.values)
	self.stateLock.Unlock()

	slices.Sort(keys)
	for _, key := range keys {
		self.Delete(key)
	}
}

func (self *Store) notify(key string, newValue any, oldValue any) {
	self.stateLock.Lock()
	callbacks, ok := self.subscribers[key]
	self.stateLock.Unlock()

	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		callback := callback
		safeCallback("[store]", func() {
			callback(newValue, oldValue)
		})
	}
	glog.V(2).Infof("[store]notify %s (%d)\n", key, callbacks.Len())
}

// equality by value for primitives and by identity for reference values.
// Struct and array values never compare as same, so setting a reconstructed
// value always notifies.
func sameValue(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}

	switch av.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return a == b
	case reflect.Pointer, reflect.Chan, reflect.Map, reflect.Func, reflect.UnsafePointer:
		return av.Pointer() == bv.Pointer()
	case reflect.Slice:
		return av.Len() == bv.Len() && (av.Len() == 0 || av.Pointer() == bv.Pointer())
	default:
		return false
	}
}
