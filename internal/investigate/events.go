package investigate

import (
	"sync"

	"github.com/hyponet/eventbus"

	"github.com/sells-group/smartbroker/internal/model"
)

// TopicPrefix namespaces every progress topic.
const TopicPrefix = "smartbroker."

// EventTypes lists every lifecycle event the scheduler publishes.
var EventTypes = []model.EventType{
	model.EventRunStarted,
	model.EventQuestionStarted,
	model.EventEntityStarted,
	model.EventEntitySkipped,
	model.EventEntityDisqualified,
	model.EventEntityQualified,
	model.EventToolRequested,
	model.EventToolResult,
	model.EventFinalResult,
	model.EventError,
	model.EventRunCompleted,
}

// Topic returns the eventbus topic of an event type.
func Topic(t model.EventType) string {
	return TopicPrefix + string(t)
}

var (
	// pubMu orders sequence assignment with routing, so a subscriber sees
	// every event numbered after it subscribed and none before.
	pubMu sync.Mutex
	seq   uint64
)

// Subscribe registers fn for every lifecycle event of every run published
// after the call. Events carry their run ID. The bus hands each event to
// its own goroutine; fn is still called one event at a time, in publish
// order.
func Subscribe(fn func(model.Event)) {
	pubMu.Lock()
	defer pubMu.Unlock()
	r := &relay{fn: fn, next: seq + 1, pending: map[uint64]model.Event{}}
	for _, t := range EventTypes {
		eventbus.Subscribe(Topic(t), r.receive)
	}
}

func publish(evt model.Event) {
	pubMu.Lock()
	defer pubMu.Unlock()
	seq++
	evt.Seq = seq
	eventbus.Publish(Topic(evt.Type), evt)
}

// relay buffers events that arrive early and releases them by sequence.
type relay struct {
	mu      sync.Mutex
	fn      func(model.Event)
	next    uint64
	pending map[uint64]model.Event
}

func (r *relay) receive(evt model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt.Seq < r.next {
		return
	}
	r.pending[evt.Seq] = evt
	for {
		e, ok := r.pending[r.next]
		if !ok {
			return
		}
		delete(r.pending, r.next)
		r.next++
		r.fn(e)
	}
}
