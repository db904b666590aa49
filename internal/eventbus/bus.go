package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"scanwatch/internal/model"
)

// Event types published by the scan core. The notification dispatcher is the
// main consumer; diagnostics may subscribe as well.
const (
	TypeScanCompleted = "scan.completed"
	TypeScanFailed    = "scan.failed"
	TypeRiskHigh      = "risk.high"
	TypeBreachFound   = "breach.found"
)

// ScanEvent is the payload for scan.* and risk.* events.
type ScanEvent struct {
	TenantID string             `json:"tenant_id"`
	ScanID   string             `json:"scan_id"`
	Domain   string             `json:"domain"`
	Score    int                `json:"score,omitempty"`
	Category model.RiskCategory `json:"category,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// BreachEvent is the payload for breach.found events.
type BreachEvent struct {
	TenantID string               `json:"tenant_id"`
	Breaches []model.BreachRecord `json:"breaches"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. If a subscriber
		// unsubscribes concurrently and the channel closes, recover from the
		// send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
