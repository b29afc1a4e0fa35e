package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type EventType string

const (
	EventCycleStart EventType = "cycle_start"
	EventTransition EventType = "transition"
	EventTrade      EventType = "trade"
	EventTransfer   EventType = "transfer"
	EventPnL        EventType = "pnl"
	EventAlert      EventType = "alert"
)

// Event is one immutable ledger record. The run log, trade log and
// fund-flow log are all projections of this single stream, keyed by
// EventType.
type Event struct {
	Timestamp time.Time `json:"ts"`
	CycleID   string    `json:"cycle_id"`
	Venue     string    `json:"venue,omitempty"`
	EventType EventType `json:"event"`
	Asset     string    `json:"asset,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Note      string    `json:"note,omitempty"`
}

type Writer interface {
	Append(ctx context.Context, ev Event) error
}

// FileLedger appends one JSON line per event to a plain text file. Records
// are never rewritten.
type FileLedger struct {
	mu sync.Mutex
	f  *os.File
}

func OpenFile(path string) (*FileLedger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &FileLedger{f: f}, nil
}

func (l *FileLedger) Append(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Tee fans every event out to all writers. The first error wins but every
// writer still sees the event.
func Tee(ws ...Writer) Writer { return tee(ws) }

type tee []Writer

func (t tee) Append(ctx context.Context, ev Event) error {
	var first error
	for _, w := range t {
		if err := w.Append(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Redact elides the middle of an address-like value so ledger notes never
// carry a full address.
func Redact(s string) string {
	if len(s) <= 20 {
		return s
	}
	return s[:10] + "…" + s[len(s)-6:]
}
