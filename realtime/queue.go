package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// a queued, not-yet-sent command awaiting transmission
type OutboundEnvelope struct {
	EnvelopeId Id
	Event      string
	Payload    map[string]any
	EnqueuedAt time.Time
}

// bounded FIFO queue of outbound envelopes. When full, the oldest envelope is
// dropped to make room. Flush order is enqueue order.
type sendQueue struct {
	stateLock sync.Mutex

	capacity  int
	envelopes []*OutboundEnvelope
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		capacity:  capacity,
		envelopes: []*OutboundEnvelope{},
	}
}

// returns the dropped envelope if the queue was at capacity, else nil
func (self *sendQueue) Add(envelope *OutboundEnvelope) *OutboundEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var dropped *OutboundEnvelope
	if self.capacity <= len(self.envelopes) {
		dropped = self.envelopes[0]
		self.envelopes = append([]*OutboundEnvelope{}, self.envelopes[1:]...)
		glog.Infof("[q]drop oldest %s (%s)\n", dropped.EnvelopeId, dropped.Event)
	}
	self.envelopes = append(self.envelopes, envelope)
	return dropped
}

// removes and returns all queued envelopes in enqueue order
func (self *sendQueue) DrainAll() []*OutboundEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	envelopes := self.envelopes
	self.envelopes = []*OutboundEnvelope{}
	return envelopes
}

// puts envelopes back at the head of the queue, preserving their order ahead
// of anything enqueued since the drain. Excess beyond capacity is dropped
// from the oldest end.
func (self *sendQueue) Requeue(envelopes []*OutboundEnvelope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	next := append(append([]*OutboundEnvelope{}, envelopes...), self.envelopes...)
	if self.capacity < len(next) {
		d := len(next) - self.capacity
		glog.Infof("[q]drop oldest %d on requeue\n", d)
		next = next[d:]
	}
	self.envelopes = next
}

func (self *sendQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.envelopes)
}

func (self *sendQueue) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.envelopes = []*OutboundEnvelope{}
}
