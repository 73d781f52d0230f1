package messaging

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/protocol"
	"github.com/mossy-p/telepresence/internal/rtt"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeChannel struct {
	mu     sync.Mutex
	open   bool
	fail   error
	frames [][]byte
}

func (f *fakeChannel) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func newTestLayer(t *testing.T) (*Layer, *clock.FakeClock, *fakeChannel) {
	t.Helper()
	c := clock.Fake(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layer := New(Config{}, c, rtt.New(c, rtt.DefaultWindow, logger), logger)
	ch := &fakeChannel{open: true}
	layer.Attach(ch)
	return layer, c, ch
}

func TestSendAssignsIDAndTracksPending(t *testing.T) {
	layer, _, ch := newTestLayer(t)

	id, ok := layer.Send(protocol.Command{Direction: protocol.DirUp, Pressed: true})
	if !ok {
		t.Fatal("Send returned false on an open channel")
	}
	if !strings.HasPrefix(id, "m") {
		t.Fatalf("id = %q, want m-prefixed", id)
	}
	if !layer.Pending(id) {
		t.Fatalf("%s not pending after send", id)
	}

	frames := ch.sent()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	var got map[string]any
	if err := json.Unmarshal(frames[0], &got); err != nil {
		t.Fatalf("sent frame is not JSON: %v", err)
	}
	if got["type"] != "cmd" || got["cmd"] != "UP" || got["pressed"] != true || got["_id"] != id {
		t.Fatalf("unexpected frame %s", frames[0])
	}
}

func TestSendKeepsCallerID(t *testing.T) {
	layer, _, _ := newTestLayer(t)

	id, ok := layer.Send(protocol.Text{Header: protocol.Header{ID: "m1"}, Body: "hi"})
	if !ok || id != "m1" {
		t.Fatalf("Send = (%q, %v), want (m1, true)", id, ok)
	}
}

func TestSendWithoutChannelIsDropped(t *testing.T) {
	c := clock.Fake(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layer := New(Config{}, c, rtt.New(c, 0, logger), logger)

	id, ok := layer.Send(protocol.Text{Body: "hello"})
	if ok || id != "" {
		t.Fatalf("Send = (%q, %v), want (\"\", false)", id, ok)
	}
	if layer.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", layer.PendingCount())
	}
}

func TestSendOnClosedChannelIsDropped(t *testing.T) {
	layer, _, ch := newTestLayer(t)
	ch.open = false

	if _, ok := layer.Send(protocol.Text{Body: "x"}); ok {
		t.Fatal("Send succeeded on a closed channel")
	}
	if len(ch.sent()) != 0 {
		t.Fatal("closed channel received a frame")
	}
}

func TestSendErrorLeavesNothingPending(t *testing.T) {
	layer, _, ch := newTestLayer(t)
	ch.fail = errors.New("boom")

	if _, ok := layer.Send(protocol.Text{Body: "x"}); ok {
		t.Fatal("Send succeeded despite channel error")
	}
	if layer.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", layer.PendingCount())
	}
	if n := layer.RTT().Outstanding(); n != 0 {
		t.Fatalf("RTT outstanding = %d after a failed send", n)
	}
}

// echoChannel acks every frame before Send returns, like a fast peer
// whose reply is processed on another goroutine.
type echoChannel struct {
	layer *Layer
}

func (e *echoChannel) Open() bool { return true }

func (e *echoChannel) Send(data []byte) error {
	var sent struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &sent); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.layer.Receive([]byte(`{"type":"ack","id":"` + sent.ID + `"}`))
	}()
	<-done
	return nil
}

func TestAckBeforeSendReturns(t *testing.T) {
	layer, _, _ := newTestLayer(t)
	layer.Attach(&echoChannel{layer: layer})

	id, ok := layer.Send(protocol.Command{Direction: protocol.DirUp, Pressed: true})
	if !ok {
		t.Fatal("Send failed")
	}
	if layer.Pending(id) {
		t.Fatalf("%s still pending after its ack", id)
	}
	if n := layer.RTT().Len(); n != 1 {
		t.Fatalf("RTT samples = %d, want 1", n)
	}
	if n := layer.RTT().Outstanding(); n != 0 {
		t.Fatalf("RTT outstanding = %d, want 0", n)
	}
}

func TestAckRoundTripRecordsRTT(t *testing.T) {
	layer, c, _ := newTestLayer(t)

	id, _ := layer.Send(protocol.Text{Header: protocol.Header{ID: "m1"}, Body: "hi"})
	c.Advance(42 * time.Millisecond)

	if m, deliver := layer.Receive([]byte(`{"type":"ack","id":"m1"}`)); deliver || m != nil {
		t.Fatalf("ack was delivered as %v", m)
	}
	if layer.Pending(id) {
		t.Fatal("m1 still pending after ack")
	}
	if got := layer.RTT().Last(); got != 42*time.Millisecond {
		t.Fatalf("RTT = %v, want 42ms", got)
	}
}

func TestDuplicateAckIsNoop(t *testing.T) {
	layer, c, _ := newTestLayer(t)

	layer.Send(protocol.Text{Header: protocol.Header{ID: "m1"}})
	c.Advance(5 * time.Millisecond)
	layer.Receive([]byte(`{"type":"ack","id":"m1"}`))
	layer.Receive([]byte(`{"type":"ack","id":"m1"}`))

	if n := layer.RTT().Len(); n != 1 {
		t.Fatalf("RTT samples = %d, want 1", n)
	}
}

func TestSweepEvictsAndLateAckIsIgnored(t *testing.T) {
	layer, c, _ := newTestLayer(t)

	layer.Send(protocol.Text{Header: protocol.Header{ID: "m1"}})
	c.Advance(DefaultAckTimeout)
	if evicted := layer.Sweep(); len(evicted) != 0 {
		t.Fatalf("swept %v at exactly the timeout", evicted)
	}

	c.Advance(time.Millisecond)
	evicted := layer.Sweep()
	if len(evicted) != 1 || evicted[0] != "m1" {
		t.Fatalf("Sweep = %v, want [m1]", evicted)
	}

	layer.Receive([]byte(`{"type":"ack","id":"m1"}`))
	if n := layer.RTT().Len(); n != 0 {
		t.Fatalf("late ack produced %d samples", n)
	}
}

func TestReceiveRepliesWithAck(t *testing.T) {
	layer, _, ch := newTestLayer(t)

	m, deliver := layer.Receive([]byte(`{"type":"cmd","cmd":"LEFT","pressed":true,"_id":"m9"}`))
	if !deliver {
		t.Fatal("command was not delivered")
	}
	cmd, ok := m.(protocol.Command)
	if !ok || cmd.Direction != protocol.DirLeft || !cmd.Pressed {
		t.Fatalf("delivered %#v", m)
	}

	frames := ch.sent()
	if len(frames) != 1 || string(frames[0]) != `{"type":"ack","id":"m9"}` {
		t.Fatalf("ack reply = %q", frames)
	}
}

func TestReceiveWithoutIDSendsNoAck(t *testing.T) {
	layer, _, ch := newTestLayer(t)

	if _, deliver := layer.Receive([]byte(`{"type":"text","text":"hey"}`)); !deliver {
		t.Fatal("text was not delivered")
	}
	if len(ch.sent()) != 0 {
		t.Fatalf("unexpected ack reply %q", ch.sent())
	}
}

func TestReceiveAcksInvalidMessagesOnce(t *testing.T) {
	tests := []struct {
		input string
		ack   string
	}{
		{`{"type":"cmd","_id":"x1"}`, `{"type":"ack","id":"x1"}`},
		{`{"type":"btn","pressed":true,"_id":"x2"}`, `{"type":"ack","id":"x2"}`},
		{`{"type":"ui","_id":"x3"}`, `{"type":"ack","id":"x3"}`},
		{`{"type":"cmd","cmd":"UP","pressed":"yes","_id":"x4"}`, `{"type":"ack","id":"x4"}`},
	}
	for _, test := range tests {
		layer, _, ch := newTestLayer(t)
		if _, deliver := layer.Receive([]byte(test.input)); deliver {
			t.Errorf("Receive(%s) delivered an invalid message", test.input)
		}
		frames := ch.sent()
		if len(frames) != 1 || string(frames[0]) != test.ack {
			t.Errorf("Receive(%s) replied %q, want one %s", test.input, frames, test.ack)
		}
	}
}

func TestReceiveMalformedWithoutIDIsSilent(t *testing.T) {
	layer, _, ch := newTestLayer(t)

	for _, raw := range []string{`not json`, `{"cmd":"UP"}`, `{"type":"cmd"}`, `{"type":"ack"}`} {
		if _, deliver := layer.Receive([]byte(raw)); deliver {
			t.Errorf("Receive(%s) delivered a message", raw)
		}
	}
	if len(ch.sent()) != 0 {
		t.Fatalf("unexpected replies %q", ch.sent())
	}
}

func TestClearDropsPending(t *testing.T) {
	layer, c, _ := newTestLayer(t)

	layer.Send(protocol.Text{Header: protocol.Header{ID: "m1"}})
	layer.Send(protocol.Text{Header: protocol.Header{ID: "m2"}})
	layer.Clear()

	if layer.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after Clear", layer.PendingCount())
	}
	c.Advance(10 * time.Millisecond)
	layer.Receive([]byte(`{"type":"ack","id":"m1"}`))
	if layer.RTT().Len() != 0 {
		t.Fatal("ack after Clear produced an RTT sample")
	}
}

func TestDetachIgnoresStaleChannel(t *testing.T) {
	layer, _, ch := newTestLayer(t)
	other := &fakeChannel{open: true}

	layer.Attach(other)
	layer.Detach(ch)

	if _, ok := layer.Send(protocol.Text{Body: "x"}); !ok {
		t.Fatal("Detach of a stale channel removed the active one")
	}
	if len(other.sent()) != 1 {
		t.Fatal("frame did not reach the active channel")
	}
}
