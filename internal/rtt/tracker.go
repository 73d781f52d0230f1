// Package rtt measures send-to-ack latency per message id and keeps a
// rolling average over a bounded window of samples.
package rtt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
)

// DefaultWindow is the number of samples kept for the rolling average.
const DefaultWindow = 40

// Sample is one resolved round trip.
type Sample struct {
	ID      string
	RTT     time.Duration
	Average time.Duration
	Window  int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	clock    clock.Clock
	logger   *slog.Logger
	capacity int

	mu      sync.Mutex
	sent    map[string]time.Time
	samples []time.Duration
	sum     time.Duration
	last    time.Duration
}

// New creates a tracker keeping at most window samples. The logger is
// expected to carry the caller's "src" attribute.
func New(clk clock.Clock, window int, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		clock:    clk,
		logger:   logger,
		capacity: window,
		sent:     make(map[string]time.Time),
	}
}

// MarkSent records the send time of id.
func (t *Tracker) MarkSent(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[id] = t.clock.Now()
}

// OnAck resolves id. Unknown ids (already resolved, forgotten after a
// timeout, or never sent) return false without a sample.
func (t *Tracker) OnAck(id string) (Sample, bool) {
	t.mu.Lock()
	started, ok := t.sent[id]
	if !ok {
		t.mu.Unlock()
		return Sample{}, false
	}
	delete(t.sent, id)

	elapsed := t.clock.Now().Sub(started)
	t.samples = append(t.samples, elapsed)
	t.sum += elapsed
	if len(t.samples) > t.capacity {
		t.sum -= t.samples[0]
		t.samples = t.samples[1:]
	}
	t.last = elapsed
	sample := Sample{
		ID:      id,
		RTT:     elapsed,
		Average: t.sum / time.Duration(len(t.samples)),
		Window:  len(t.samples),
	}
	t.mu.Unlock()

	t.logger.Info("rtt",
		"dir", "SYS",
		"id", id,
		"rtt_ms", sample.RTT.Milliseconds(),
		"avg_ms", sample.Average.Milliseconds(),
		"n", sample.Window,
	)
	return sample, true
}

// Forget drops the start time of id so a late ack cannot produce a
// sample.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sent, id)
}

// Average returns the rolling average, zero before the first sample.
func (t *Tracker) Average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0
	}
	return t.sum / time.Duration(len(t.samples))
}

// Last returns the most recent sample.
func (t *Tracker) Last() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Len returns the number of samples in the window.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// Outstanding returns the number of ids awaiting an ack.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// Reset clears samples and outstanding ids.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = make(map[string]time.Time)
	t.samples = nil
	t.sum = 0
	t.last = 0
}
