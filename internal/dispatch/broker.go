package dispatch

import "sync"

// eventBuffer is the per-subscriber channel capacity. Publishes to a full
// subscriber are dropped rather than blocking the dispatch path.
const eventBuffer = 64

// Event is one job lifecycle notification delivered to stream subscribers.
type Event struct {
	JobID     string   `json:"job_id"`
	Status    string   `json:"status"`
	Progress  float64  `json:"progress,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
	Guidance  string   `json:"guidance,omitempty"`
}

// Broker fans job events out to any number of subscribers per job. Topics
// are created lazily on first publish or subscribe and closed when the job
// reaches a terminal status, so late subscribers learn immediately that no
// more events are coming.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Subscribe returns a channel of events for the given job and a cancel
// function the caller must invoke when done. Subscribing to a job whose
// topic is already closed yields an immediately closed channel.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[jobID]
	if t == nil {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}
	ch := make(chan Event, eventBuffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur := b.topics[jobID]; cur == t {
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the job. Slow subscribers
// miss events instead of stalling the publisher.
func (b *Broker) Publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[jobID]
	if t == nil || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the job's topic: all subscriber channels are closed and the
// closed marker is kept so later subscribers see an ended stream.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[jobID]
	if t == nil {
		b.topics[jobID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
