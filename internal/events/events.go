package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Names of the events pushed to a user's live channel.
const (
	DeviceUpdated     = "deviceUpdated"
	SensorData        = "sensorData"
	Notification      = "notification"
	ScheduleUpdated   = "scheduleUpdated"
	ScheduleTriggered = "scheduleTriggered"
	ScheduleDeleted   = "scheduleDeleted"
	RoomAdded         = "roomAdded"
	RoomUpdated       = "roomUpdated"
	RoomDeleted       = "roomDeleted"
	DeviceAdded       = "deviceAdded"
	DeviceDeleted     = "deviceDeleted"
	PowerUpdate       = "powerUpdate"
	WeatherUpdate     = "weatherUpdate"
	CameraUpdate      = "cameraUpdate"
)

// Event is scoped to one user. Payload is the affected entity record.
type Event struct {
	Name    string    `json:"event"`
	UserID  string    `json:"user_id"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Emitter is what the core writes outbound events to.
type Emitter interface {
	Emit(ev Event)
}

// Sink receives events drained from a Queue.
type Sink interface {
	Deliver(ev Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Queue decouples producers from the live-session transport. Emit never
// blocks; events are dropped when the buffer is full.
type Queue struct {
	ch      chan Event
	dropped atomic.Int64
	onDrop  func(Event)
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan Event, size)}
}

// OnDrop registers a hook called for every dropped event.
func (q *Queue) OnDrop(fn func(Event)) { q.onDrop = fn }

func (q *Queue) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(ev)
		}
		slog.Warn("event queue full, dropping event", "event", ev.Name, "user_id", ev.UserID)
	}
}

func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Run delivers queued events to sink until ctx is done. Events still buffered
// at cancellation are flushed first.
func (q *Queue) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case ev := <-q.ch:
			sink.Deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-q.ch:
					sink.Deliver(ev)
				default:
					return nil
				}
			}
		}
	}
}

// Recorder keeps every event it sees. It serves as Emitter or Sink in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) { r.Deliver(ev) }

func (r *Recorder) Deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
