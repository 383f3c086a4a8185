package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestIdOrder(t *testing.T) {
	// ulids from the same source are ordered by create time
	a := NewId()
	for i := 0; i < 1024; i += 1 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		a = b
	}
}

func TestCallbackListOrderAndRemove(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	calls := []string{}
	unsubA := callbacks.Add(func() {
		calls = append(calls, "a")
	})
	callbacks.Add(func() {
		calls = append(calls, "b")
	})
	assert.Equal(t, callbacks.Len(), 2)

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, []string{"a", "b"})

	unsubA()
	unsubA()
	assert.Equal(t, callbacks.Len(), 1)

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, []string{"a", "b", "b"})
}

func TestDebouncerOnlyLastCallRuns(t *testing.T) {
	debouncer := NewDebouncer(50 * time.Millisecond)

	var stateLock sync.Mutex
	ran := []string{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		debouncer.Call(func() {
			stateLock.Lock()
			ran = append(ran, name)
			stateLock.Unlock()
		})
	}

	time.Sleep(150 * time.Millisecond)
	stateLock.Lock()
	assert.Equal(t, ran, []string{"c"})
	stateLock.Unlock()
}

func TestDebouncerStop(t *testing.T) {
	debouncer := NewDebouncer(20 * time.Millisecond)

	var stateLock sync.Mutex
	ranCount := 0
	debouncer.Call(func() {
		stateLock.Lock()
		ranCount += 1
		stateLock.Unlock()
	})
	debouncer.Stop()

	time.Sleep(60 * time.Millisecond)
	stateLock.Lock()
	assert.Equal(t, ranCount, 0)
	stateLock.Unlock()
}
