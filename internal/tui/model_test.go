package tui

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mossy-p/telepresence/internal/bridge"
	"github.com/mossy-p/telepresence/internal/logging"
	"github.com/mossy-p/telepresence/internal/protocol"
	"github.com/mossy-p/telepresence/internal/session"
)

type fakeSession struct {
	mu        sync.Mutex
	sent      []string
	connected string
	hangups   int
	cleared   int
}

func (f *fakeSession) record(s string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return "m1", true
}

func (f *fakeSession) Connect(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = room
	return nil
}

func (f *fakeSession) Hangup()                { f.hangups++ }
func (f *fakeSession) Status() session.Status { return session.Status{State: session.StateIdle} }
func (f *fakeSession) ClearPending()          { f.cleared++ }

func (f *fakeSession) SendCommand(dir string, pressed bool) (string, bool) {
	return f.record("cmd " + dir + " " + onOff(pressed))
}

func (f *fakeSession) SendButton(id string, pressed bool) (string, bool) {
	return f.record("btn " + id + " " + onOff(pressed))
}

func (f *fakeSession) SendText(text string) (string, bool) { return f.record("text " + text) }

func (f *fakeSession) RequestRemoteFullscreen() (string, bool) { return f.record("fullscreen") }

func onOff(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

type fakeBridge struct {
	state   bridge.State
	enabled int
	err     error
}

func (f *fakeBridge) Connect(context.Context) error { return f.err }
func (f *fakeBridge) Disconnect() error             { return nil }
func (f *fakeBridge) Disable()                      {}
func (f *fakeBridge) SendTest() error               { return nil }
func (f *fakeBridge) State() bridge.State           { return f.state }

func (f *fakeBridge) Enable() error {
	f.enabled++
	return f.err
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func step(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func newTestModel(s *fakeSession, b Bridge) Model {
	return NewModel(Options{Room: "kitchen", Session: s, Bridge: b, Hold: time.Millisecond})
}

func TestArrowPressThenRelease(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, cmd := step(t, m, key("up"))
	if cmd == nil {
		t.Fatal("press scheduled no release")
	}
	rel := cmd()
	m, _ = step(t, m, rel)

	want := []string{"cmd UP 1", "cmd UP 0"}
	if !reflect.DeepEqual(s.sent, want) {
		t.Fatalf("sent = %v, want %v", s.sent, want)
	}
	if len(m.held) != 0 {
		t.Fatalf("held = %v after release", m.held)
	}
}

func TestRepeatedPressDefersRelease(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, first := step(t, m, key("left"))
	m, second := step(t, m, key("left"))

	// The first release is stale and must not release the key.
	m, _ = step(t, m, first())
	if len(s.sent) != 2 {
		t.Fatalf("stale release sent: %v", s.sent)
	}
	m, _ = step(t, m, second())

	want := []string{"cmd LEFT 1", "cmd LEFT 1", "cmd LEFT 0"}
	if !reflect.DeepEqual(s.sent, want) {
		t.Fatalf("sent = %v, want %v", s.sent, want)
	}
}

func TestButtonTap(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, cmd := step(t, m, key("b"))
	step(t, m, cmd())

	want := []string{"btn B 1", "btn B 0"}
	if !reflect.DeepEqual(s.sent, want) {
		t.Fatalf("sent = %v, want %v", s.sent, want)
	}
}

func TestTextEntry(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, _ = step(t, m, key("t"))
	if !m.typing {
		t.Fatal("t did not open the text input")
	}
	for _, r := range "hi q" {
		m, _ = step(t, m, key(string(r)))
	}
	m, _ = step(t, m, key("enter"))

	if m.typing {
		t.Fatal("input still open after enter")
	}
	if !reflect.DeepEqual(s.sent, []string{"text hi q"}) {
		t.Fatalf("sent = %v", s.sent)
	}
}

func TestTextEscapeSendsNothing(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, _ = step(t, m, key("t"))
	m, _ = step(t, m, key("x"))
	m, _ = step(t, m, key("esc"))
	step(t, m, key("enter"))

	if len(s.sent) != 0 {
		t.Fatalf("sent = %v", s.sent)
	}
}

func TestConnectRunsAsync(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, cmd := step(t, m, key("c"))
	if cmd == nil {
		t.Fatal("connect returned no command")
	}
	m, _ = step(t, m, cmd())

	if s.connected != "kitchen" {
		t.Fatalf("connected room = %q", s.connected)
	}
	if m.lastErr != "" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
}

func TestBridgeErrorShown(t *testing.T) {
	s := &fakeSession{}
	b := &fakeBridge{err: bridge.ErrNotConnected}
	m := newTestModel(s, b)

	m, cmd := step(t, m, key("e"))
	m, _ = step(t, m, cmd())

	if b.enabled != 1 {
		t.Fatalf("enable calls = %d", b.enabled)
	}
	if !strings.Contains(m.lastErr, "bridge enable") {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
}

func TestClearLogsClearsPending(t *testing.T) {
	s := &fakeSession{}
	m := newTestModel(s, nil)

	m, _ = step(t, m, lineMsg(logging.Line{Dir: "TX", Src: "DPAD", Text: "cmd"}))
	m, _ = step(t, m, key("l"))

	if len(m.lines) != 0 || s.cleared != 1 {
		t.Fatalf("lines = %d cleared = %d", len(m.lines), s.cleared)
	}
}

func TestLogIsBounded(t *testing.T) {
	m := NewModel(Options{Session: &fakeSession{}, MaxLines: 3})
	for i := 0; i < 5; i++ {
		m, _ = step(t, m, lineMsg(logging.Line{Text: string(rune('a' + i))}))
	}
	if len(m.lines) != 3 || m.lines[0].Text != "c" {
		t.Fatalf("lines = %+v", m.lines)
	}
}

func TestPeerMessageAndFullscreen(t *testing.T) {
	m := newTestModel(&fakeSession{}, nil)

	m, _ = step(t, m, peerMsg{protocol.Command{Direction: "UP", Pressed: true}})
	if m.last != "cmd UP true" {
		t.Fatalf("last = %q", m.last)
	}

	m, cmd := step(t, m, fullscreenMsg{})
	if !m.fullscreen || cmd == nil {
		t.Fatal("fullscreen request did not enter the alt screen")
	}
	if _, cmd = step(t, m, fullscreenMsg{}); cmd != nil {
		t.Fatal("second fullscreen request re-entered the alt screen")
	}
}

func TestViewRenders(t *testing.T) {
	m := newTestModel(&fakeSession{}, &fakeBridge{})
	m, _ = step(t, m, lineMsg(logging.Line{Dir: "RX", Src: "ACK", Text: "ack for m1"}))

	out := m.View()
	for _, want := range []string{"kitchen", "ack for m1", "micro:bit"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestSinkDropsBeforeProgram(t *testing.T) {
	sink := NewProgramSink()
	sink.Emit(logging.Line{Text: "early"})
	if err := sink.Fullscreen(); err == nil {
		t.Fatal("fullscreen without a program succeeded")
	}
}
