// Package events is the core's event-bus abstraction, replacing the
// teacher's direct calls into the Wails runtime — the frontend and IPC
// dispatcher are out of scope here, so the core only needs to publish
// to whoever is listening, not to know who that is.
package events

import "sync"

// Name enumerates the exact event names the core emits (§6).
type Name string

const (
	DownloadProgress      Name = "download-progress"
	DownloadCompleted     Name = "download-completed"
	DownloadFailed        Name = "download-failed"
	DownloadCancelled     Name = "download-cancelled"
	DownloadPaused        Name = "download-paused"
	SessionStatusChanged  Name = "session-status-changed"
)

// Event is one published notification.
type Event struct {
	Name    Name
	Payload interface{}
}

// ProgressPayload is the payload shape for DownloadProgress.
type ProgressPayload struct {
	TaskID          string  `json:"task_id"`
	Progress        float64 `json:"progress"`
	Speed           *string `json:"speed,omitempty"`
	ETA             *string `json:"eta,omitempty"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      *int64  `json:"total_bytes,omitempty"`
}

// Bus is a minimal in-process publish/subscribe mechanism. Subscribers
// that fall behind drop events rather than block a publisher — the
// core's own persistence layer is the durable record, the bus is a
// best-effort notification channel.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function to stop
// receiving them.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber, non-blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
