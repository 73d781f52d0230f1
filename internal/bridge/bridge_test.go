package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/protocol"
)

type fakeDevice struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (d *fakeDevice) Write(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("closed")
	}
	d.chunks = append(d.chunks, append([]byte(nil), chunk...))
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) written() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	for _, c := range d.chunks {
		sb.Write(c)
	}
	return sb.String()
}

func (d *fakeDevice) chunkSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sizes := make([]int, len(d.chunks))
	for i, c := range d.chunks {
		sizes[i] = len(c)
	}
	return sizes
}

type fakeDialer struct {
	device   *fakeDevice
	err      error
	handlers Handlers
}

func (f *fakeDialer) Dial(ctx context.Context, h Handlers) (Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.handlers = h
	return f.device, nil
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *stateLog) last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return State{}
	}
	return s.states[len(s.states)-1]
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeDialer, *stateLog) {
	t.Helper()
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = -1
	}
	dialer := &fakeDialer{device: &fakeDevice{}}
	states := &stateLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, dialer, clock.Real(), logger, states.record)
	t.Cleanup(func() { b.Disconnect() })
	return b, dialer, states
}

func waitForOutput(t *testing.T, d *fakeDevice, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.written() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("device output = %q, want %q", d.written(), want)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{"command pressed", protocol.Command{Direction: "RIGHT", Pressed: true}, "CMD RIGHT 1"},
		{"command released", protocol.Command{Direction: "UP"}, "CMD UP 0"},
		{"button", protocol.Button{Button: "A", Pressed: true}, "BTN A 1"},
		{"text", protocol.Text{Body: "hello"}, "TXT hello"},
		{"long text", protocol.Text{Body: strings.Repeat("x", 50)}, "TXT " + strings.Repeat("x", 40)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.msg); got != tt.want {
				t.Fatalf("Encode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeOtherTruncatesJSON(t *testing.T) {
	m, err := protocol.Decode([]byte(`{"type":"telemetry","battery":97,"note":"` + strings.Repeat("z", 80) + `"}`))
	if err != nil {
		t.Fatal(err)
	}
	got := Encode(m)
	if !strings.HasPrefix(got, "MSG telemetry {") {
		t.Fatalf("Encode = %q", got)
	}
	if n := len(strings.TrimPrefix(got, "MSG telemetry ")); n != 60 {
		t.Fatalf("json part is %d chars, want 60", n)
	}
}

func TestParseAck(t *testing.T) {
	tests := []struct {
		line   string
		wantID string
		wantOK bool
	}{
		{"ACK 7", "7", true},
		{"ACK ID 12 CMD UP 1", "12", true},
		{"ACK CMD UP 1", "", true},
		{"ACK", "", true},
		{"TEMP 21", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		id, ok := ParseAck(tt.line)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("ParseAck(%q) = (%q, %v), want (%q, %v)", tt.line, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestTag(t *testing.T) {
	if got := Tag(3, "CMD UP 1"); got != "ID 3 CMD UP 1" {
		t.Fatalf("Tag = %q", got)
	}
}

func TestForwardRequiresEnable(t *testing.T) {
	b, dialer, _ := newTestBridge(t, Config{})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if b.Forward(protocol.Command{Direction: "UP", Pressed: true}) {
		t.Fatal("disabled bridge forwarded a message")
	}
	if err := b.Enable(); err != nil {
		t.Fatal(err)
	}
	if !b.Forward(protocol.Command{Direction: "UP", Pressed: true}) {
		t.Fatal("enabled bridge dropped a message")
	}

	// Enabling issues a stop first.
	waitForOutput(t, dialer.device, "CMD STOP 1\nCMD UP 1\n")
}

func TestEnableWithoutDevice(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})
	if err := b.Enable(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Enable = %v, want ErrNotConnected", err)
	}
	if err := b.SendTest(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendTest = %v, want ErrNotConnected", err)
	}
}

func TestDisableSendsStopBeforeSwitchingOff(t *testing.T) {
	b, dialer, states := newTestBridge(t, Config{})
	b.Connect(context.Background())
	b.Enable()

	b.Disable()
	if b.State().Enabled {
		t.Fatal("still enabled after Disable")
	}
	if states.last() != (State{Connected: true}) {
		t.Fatalf("last state = %+v", states.last())
	}
	waitForOutput(t, dialer.device, "CMD STOP 1\nCMD STOP 1\n")
}

func TestSafetyStopSkippedWhenOff(t *testing.T) {
	b, dialer, _ := newTestBridge(t, Config{})
	b.Connect(context.Background())

	b.SafetyStop("inactivity")
	b.SendTest()
	waitForOutput(t, dialer.device, "TEST\n")
}

func TestLongLinesAreChunked(t *testing.T) {
	b, dialer, _ := newTestBridge(t, Config{ChunkSize: 20})
	b.Connect(context.Background())
	b.Enable()

	b.Forward(protocol.Text{Body: strings.Repeat("a", 40)})

	want := "CMD STOP 1\nTXT " + strings.Repeat("a", 40) + "\n"
	waitForOutput(t, dialer.device, want)
	for _, n := range dialer.device.chunkSizes() {
		if n > 20 {
			t.Fatalf("chunk of %d bytes exceeds 20", n)
		}
	}
}

func TestTaggedLinesTrackRTT(t *testing.T) {
	b, dialer, _ := newTestBridge(t, Config{TagLines: true})
	b.Connect(context.Background())
	b.Enable()

	b.Forward(protocol.Button{Button: "B", Pressed: true})
	waitForOutput(t, dialer.device, "CMD STOP 1\nID 1 BTN B 1\n")

	// Firmware echo split across two notifications.
	dialer.handlers.OnData([]byte("ACK ID 1 B"))
	dialer.handlers.OnData([]byte("TN B 1\n"))

	if b.RTT().Len() != 1 {
		t.Fatalf("RTT samples = %d, want 1", b.RTT().Len())
	}
}

func TestDeviceDisconnectDisablesBridge(t *testing.T) {
	b, dialer, states := newTestBridge(t, Config{})
	b.Connect(context.Background())
	b.Enable()

	dialer.handlers.OnDisconnect()

	if st := b.State(); st.Connected || st.Enabled {
		t.Fatalf("state after disconnect = %+v", st)
	}
	if states.last() != (State{}) {
		t.Fatalf("owner not notified, last state = %+v", states.last())
	}
	if b.Forward(protocol.Command{Direction: "UP", Pressed: true}) {
		t.Fatal("forwarded after disconnect")
	}

	// A second report for the same link is ignored.
	dialer.handlers.OnDisconnect()
}

func TestConnectFailure(t *testing.T) {
	b, dialer, _ := newTestBridge(t, Config{})
	dialer.err = errors.New("no adapter")

	if err := b.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded with a failing dialer")
	}
	if b.State().Connected {
		t.Fatal("connected after failed dial")
	}
}
