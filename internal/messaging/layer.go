// Package messaging layers application-level acknowledgments over the
// (already reliable) control data channel. Acks give the UI delivery and
// latency visibility; nothing is ever resent.
package messaging

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/protocol"
	"github.com/mossy-p/telepresence/internal/rtt"
)

const (
	DefaultAckTimeout    = 1500 * time.Millisecond
	DefaultSweepInterval = 750 * time.Millisecond
)

// Channel is the active data channel as seen by the layer.
type Channel interface {
	Open() bool
	Send(data []byte) error
}

// Config tunes ack bookkeeping.
type Config struct {
	AckTimeout    time.Duration
	SweepInterval time.Duration
}

// PendingAck is an outbound message awaiting its ack.
type PendingAck struct {
	SentAt   time.Time
	Message  protocol.Message
	Attempts int
}

// Layer is safe for concurrent use.
type Layer struct {
	cfg    Config
	clock  clock.Clock
	rtt    *rtt.Tracker
	logger *slog.Logger

	mu      sync.Mutex
	channel Channel
	pending map[string]PendingAck
}

// New creates a Layer. Zero config values fall back to the defaults.
func New(cfg Config, clk clock.Clock, tracker *rtt.Tracker, logger *slog.Logger) *Layer {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Layer{
		cfg:     cfg,
		clock:   clk,
		rtt:     tracker,
		logger:  logger,
		pending: make(map[string]PendingAck),
	}
}

// Attach makes ch the channel used for sends and ack replies.
func (l *Layer) Attach(ch Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channel = ch
}

// Detach forgets ch if it is still the attached channel. Pending
// entries stay until swept.
func (l *Layer) Detach(ch Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel == ch {
		l.channel = nil
	}
}

// NewID returns a fresh message id.
func (l *Layer) NewID() string {
	u := uuid.New()
	return fmt.Sprintf("m%d-%s", l.clock.Now().UnixMilli(), hex.EncodeToString(u[:4]))
}

// Send assigns an _id when m has none, hands the message to the open
// channel and tracks it until acked or swept. It returns "", false when
// no channel is open or the send fails; the message is dropped, not
// queued.
func (l *Layer) Send(m protocol.Message) (string, bool) {
	h := m.Head()
	if h.ID == "" {
		h.ID = l.NewID()
	}
	m = m.WithHead(h)
	src := protocol.Source(m)

	data, err := protocol.Encode(m)
	if err != nil {
		l.logger.Warn("encode failed", "dir", "SYS", "src", src, "id", h.ID, "error", err)
		return "", false
	}

	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()

	if ch == nil || !ch.Open() {
		l.logger.Info("skipped (data channel not open)", "dir", "TX", "src", src, "msg", string(data))
		return "", false
	}

	// The ack can arrive before Send returns.
	l.mu.Lock()
	l.pending[h.ID] = PendingAck{SentAt: l.clock.Now(), Message: m, Attempts: 1}
	l.mu.Unlock()
	l.rtt.MarkSent(h.ID)

	if err := ch.Send(data); err != nil {
		l.mu.Lock()
		delete(l.pending, h.ID)
		l.mu.Unlock()
		l.rtt.Forget(h.ID)
		l.logger.Warn("send failed", "dir", "SYS", "src", "APP", "id", h.ID, "error", err)
		return "", false
	}

	l.logger.Info(string(data), "dir", "TX", "src", src)
	return h.ID, true
}

// Receive handles one inbound payload. Acks resolve their pending
// entry and are not returned. Any other message carrying an _id is
// acked exactly once, even when it fails validation; only valid ones
// are returned for delivery.
func (l *Layer) Receive(data []byte) (protocol.Message, bool) {
	m, err := protocol.Decode(data)
	if err != nil {
		if kind, id := protocol.Envelope(data); id != "" && kind != protocol.KindAck {
			l.reply(id)
		}
		l.logger.Warn("undecodable message", "dir", "RX", "src", "PEER", "error", err, "raw", string(data))
		return nil, false
	}

	if ack, ok := m.(protocol.Ack); ok {
		l.resolve(ack.Of)
		return nil, false
	}

	l.logger.Info(string(data), "dir", "RX", "src", protocol.Source(m))

	if id := m.Head().ID; id != "" {
		l.reply(id)
	}
	return m, true
}

func (l *Layer) resolve(id string) {
	l.mu.Lock()
	_, known := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()

	if !known {
		l.logger.Info("late/unknown ack "+id, "dir", "RX", "src", "ACK")
		return
	}
	l.logger.Info("ack for "+id, "dir", "RX", "src", "ACK")
	l.rtt.OnAck(id)
}

func (l *Layer) reply(id string) {
	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()
	if ch == nil || !ch.Open() {
		return
	}

	data, err := protocol.Encode(protocol.Ack{Of: id})
	if err != nil {
		return
	}
	if err := ch.Send(data); err != nil {
		l.logger.Warn("ack reply failed", "dir", "SYS", "src", "ACK", "id", id, "error", err)
	}
}

// Sweep evicts pending entries older than the ack timeout and returns
// their ids. Evicted ids can no longer produce an RTT sample.
func (l *Layer) Sweep() []string {
	now := l.clock.Now()

	l.mu.Lock()
	var evicted []PendingAck
	var ids []string
	for id, entry := range l.pending {
		if now.Sub(entry.SentAt) > l.cfg.AckTimeout {
			delete(l.pending, id)
			ids = append(ids, id)
			evicted = append(evicted, entry)
		}
	}
	l.mu.Unlock()

	for i, id := range ids {
		l.rtt.Forget(id)
		l.logger.Info("no ack (yet): "+id, "dir", "SYS", "src", "APP", "type", string(evicted[i].Message.Kind()))
	}
	return ids
}

// Run sweeps every SweepInterval until ctx is done.
func (l *Layer) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Pending reports whether id awaits an ack.
func (l *Layer) Pending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[id]
	return ok
}

// PendingCount returns the number of unacknowledged messages.
func (l *Layer) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Clear drops every pending entry, so a cleared log does not refill
// with stale timeouts.
func (l *Layer) Clear() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	l.pending = make(map[string]PendingAck)
	l.mu.Unlock()

	for _, id := range ids {
		l.rtt.Forget(id)
	}
}

// RTT exposes the tracker fed by this layer.
func (l *Layer) RTT() *rtt.Tracker {
	return l.rtt
}
