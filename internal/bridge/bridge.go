// Package bridge forwards peer control messages to a micro:bit as text
// lines over a BLE UART link.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/protocol"
	"github.com/mossy-p/telepresence/internal/rtt"
)

var ErrNotConnected = errors.New("bridge: device not connected")

const (
	DefaultChunkSize  = 20
	DefaultChunkDelay = 15 * time.Millisecond
	DefaultQueueSize  = 64
)

// Device is an open link to the hardware. Write sends one chunk.
type Device interface {
	Write(chunk []byte) error
	Close() error
}

// Handlers receive device-initiated events. OnDisconnect fires when the
// link drops without a call to Disconnect.
type Handlers struct {
	OnData       func(data []byte)
	OnDisconnect func()
}

// Dialer opens a Device.
type Dialer interface {
	Dial(ctx context.Context, h Handlers) (Device, error)
}

// State is reported to the owner whenever connection or enablement
// changes.
type State struct {
	Connected bool
	Enabled   bool
}

type Config struct {
	ChunkSize  int
	ChunkDelay time.Duration // negative disables the pause between chunks
	QueueSize  int
	RTTWindow  int
	// TagLines prefixes forwarded lines with "ID <n>" for latency tracking.
	TagLines bool
}

type link struct {
	device Device
	queue  chan outbound
	quit   chan struct{}
	done   chan struct{}
}

type outbound struct {
	line string
	note string
}

type Bridge struct {
	cfg      Config
	clock    clock.Clock
	dialer   Dialer
	logger   *slog.Logger
	rtt      *rtt.Tracker
	onChange func(State)

	mu      sync.Mutex
	link    *link
	enabled bool
	nextID  int
	rx      bytes.Buffer
}

// New creates a disconnected, disabled Bridge. onChange may be nil.
func New(cfg Config, dialer Dialer, clk clock.Clock, logger *slog.Logger, onChange func(State)) *Bridge {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = DefaultChunkDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if onChange == nil {
		onChange = func(State) {}
	}
	return &Bridge{
		cfg:      cfg,
		clock:    clk,
		dialer:   dialer,
		logger:   logger,
		rtt:      rtt.New(clk, cfg.RTTWindow, logger.With("src", "MB")),
		onChange: onChange,
		nextID:   1,
	}
}

// Connect dials the device and starts the line writer.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	connected := b.link != nil
	b.mu.Unlock()
	if connected {
		return nil
	}

	l := &link{
		queue: make(chan outbound, b.cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	device, err := b.dialer.Dial(ctx, Handlers{
		OnData:       b.receive,
		OnDisconnect: func() { b.lost(l) },
	})
	if err != nil {
		b.logger.Warn("connect failed", "dir", "SYS", "src", "MB", "error", err)
		return fmt.Errorf("connect device: %w", err)
	}
	l.device = device

	b.mu.Lock()
	b.link = l
	b.rx.Reset()
	b.mu.Unlock()

	go b.writer(l)

	b.logger.Info("connected", "dir", "SYS", "src", "MB")
	b.onChange(b.State())
	return nil
}

// Disconnect closes the device link and disables the bridge.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	l := b.link
	b.mu.Unlock()
	if l == nil {
		return nil
	}

	if !b.teardown(l) {
		return nil
	}
	err := l.device.Close()
	b.logger.Info("disconnected", "dir", "SYS", "src", "MB")
	b.onChange(b.State())
	if err != nil {
		return fmt.Errorf("disconnect device: %w", err)
	}
	return nil
}

// lost handles a disconnect initiated by the device.
func (b *Bridge) lost(l *link) {
	if !b.teardown(l) {
		return
	}
	l.device.Close()
	b.logger.Warn("device disconnected", "dir", "SYS", "src", "MB")
	b.onChange(b.State())
}

// teardown detaches l and stops its writer. It reports false when l was
// already torn down.
func (b *Bridge) teardown(l *link) bool {
	b.mu.Lock()
	if b.link != l {
		b.mu.Unlock()
		return false
	}
	b.link = nil
	b.enabled = false
	b.rx.Reset()
	b.mu.Unlock()

	close(l.quit)
	<-l.done
	b.rtt.Reset()
	return true
}

// Enable starts forwarding peer messages. A safety stop is issued so the
// actuator starts from rest.
func (b *Bridge) Enable() error {
	b.mu.Lock()
	if b.link == nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	already := b.enabled
	b.enabled = true
	b.mu.Unlock()
	if already {
		return nil
	}

	b.logger.Info("bridge enabled (peer -> micro:bit)", "dir", "SYS", "src", "MB")
	b.SafetyStop("bridge enabled")
	b.onChange(b.State())
	return nil
}

// Disable stops forwarding. The safety stop is queued before the bridge
// is switched off so it still reaches the device.
func (b *Bridge) Disable() {
	b.mu.Lock()
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled {
		return
	}

	b.SafetyStop("bridge disabled")

	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()

	b.logger.Info("bridge disabled", "dir", "SYS", "src", "MB")
	b.onChange(b.State())
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Connected: b.link != nil, Enabled: b.enabled}
}

// Forward sends a peer message to the device when the bridge is on. It
// reports whether a line was queued.
func (b *Bridge) Forward(m protocol.Message) bool {
	b.mu.Lock()
	enabled, l := b.enabled, b.link
	b.mu.Unlock()

	if !enabled {
		return false
	}
	if l == nil {
		b.logger.Info("bridge on but micro:bit not connected", "dir", "SYS", "src", "MB")
		return false
	}

	line := Encode(m)
	if b.cfg.TagLines {
		line = b.tag(line)
	}
	return b.enqueue(l, outbound{line: line})
}

func (b *Bridge) tag(line string) string {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	b.rtt.MarkSent(strconv.Itoa(id))
	return Tag(id, line)
}

// SafetyStop sends CMD STOP 1, or logs a skip when the bridge is off or
// the device is not connected.
func (b *Bridge) SafetyStop(reason string) {
	b.mu.Lock()
	enabled, l := b.enabled, b.link
	b.mu.Unlock()

	if !enabled || l == nil {
		b.logger.Info(fmt.Sprintf("auto-stop (%s) skipped (bridge off or micro:bit not connected)", reason),
			"dir", "SYS", "src", "SAFETY")
		return
	}
	b.enqueue(l, outbound{line: stopLine, note: "auto-stop: " + reason})
}

// SendTest writes a TEST line regardless of enablement.
func (b *Bridge) SendTest() error {
	b.mu.Lock()
	l := b.link
	b.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	b.enqueue(l, outbound{line: testLine})
	return nil
}

func (b *Bridge) enqueue(l *link, o outbound) bool {
	select {
	case l.queue <- o:
		return true
	case <-l.quit:
		return false
	default:
		b.logger.Warn("queue full, line dropped", "dir", "SYS", "src", "MB", "line", o.line)
		return false
	}
}

// writer owns all writes to the device so lines never interleave.
func (b *Bridge) writer(l *link) {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case o := <-l.queue:
			if err := b.writeLine(l.device, o.line); err != nil {
				b.logger.Warn("send failed", "dir", "SYS", "src", "MB", "line", o.line, "error", err)
				continue
			}
			msg := o.line
			if o.note != "" {
				msg += "  // " + o.note
			}
			b.logger.Info(msg, "dir", "TX", "src", "MB")
		}
	}
}

func (b *Bridge) writeLine(device Device, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	data := []byte(line)
	for i := 0; i < len(data); i += b.cfg.ChunkSize {
		end := min(i+b.cfg.ChunkSize, len(data))
		if err := device.Write(data[i:end]); err != nil {
			return err
		}
		if b.cfg.ChunkDelay > 0 {
			b.clock.Sleep(b.cfg.ChunkDelay)
		}
	}
	return nil
}

// receive reassembles notification payloads into lines.
func (b *Bridge) receive(data []byte) {
	b.mu.Lock()
	b.rx.Write(data)
	var lines []string
	for {
		i := bytes.IndexByte(b.rx.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(b.rx.Next(i + 1))
		lines = append(lines, strings.TrimSpace(line))
	}
	b.mu.Unlock()

	for _, line := range lines {
		if line == "" {
			continue
		}
		b.handleLine(line)
	}
}

func (b *Bridge) handleLine(line string) {
	if id, ok := ParseAck(line); ok {
		b.logger.Info(line, "dir", "RX", "src", "MB")
		if id != "" {
			b.rtt.OnAck(id)
		}
		return
	}
	b.logger.Info(line, "dir", "RX", "src", "MB", "telemetry", true)
}

// RTT exposes the tracker for tagged lines.
func (b *Bridge) RTT() *rtt.Tracker {
	return b.rtt
}
