// Package tui is the controller's terminal interface: a d-pad on the
// arrow keys, two buttons, free text, and the event log.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mossy-p/telepresence/internal/bridge"
	"github.com/mossy-p/telepresence/internal/logging"
	"github.com/mossy-p/telepresence/internal/protocol"
	"github.com/mossy-p/telepresence/internal/session"
)

const (
	defaultHold     = 180 * time.Millisecond
	defaultMaxLines = 500
	refreshInterval = 500 * time.Millisecond
	maxTextLength   = 200
)

// Session is the part of session.Manager the UI drives.
type Session interface {
	Connect(ctx context.Context, room string) error
	Hangup()
	Status() session.Status
	SendCommand(direction string, pressed bool) (string, bool)
	SendButton(button string, pressed bool) (string, bool)
	SendText(text string) (string, bool)
	RequestRemoteFullscreen() (string, bool)
	ClearPending()
}

// Bridge is the part of bridge.Bridge the UI drives.
type Bridge interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Enable() error
	Disable()
	SendTest() error
	State() bridge.State
}

type Options struct {
	Context context.Context
	Room    string
	Session Session
	Bridge  Bridge // nil when no hardware is configured
	// Hold is how long a key press counts as held. Terminals report no
	// key release, so each press schedules its own.
	Hold     time.Duration
	MaxLines int
}

type (
	lineMsg       logging.Line
	statusMsg     session.Status
	bridgeMsg     bridge.State
	peerMsg       struct{ protocol.Message }
	fullscreenMsg struct{}
	refreshMsg    time.Time

	releaseMsg struct {
		button string // empty for directions
		dir    string
		gen    int
	}

	resultMsg struct {
		op  string
		err error
	}
)

var arrowKeys = map[string]string{
	"up":    protocol.DirUp,
	"down":  protocol.DirDown,
	"left":  protocol.DirLeft,
	"right": protocol.DirRight,
}

var buttonKeys = map[string]string{
	"a": "A",
	"b": "B",
}

type Model struct {
	opts Options

	status  session.Status
	bridge  bridge.State
	lines   []logging.Line
	last    string // last inbound peer message
	lastErr string

	input  textinput.Model
	typing bool

	// generation of the latest press per direction or button
	held map[string]int
	gen  int

	fullscreen bool
	width      int
	height     int
}

func NewModel(opts Options) Model {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Hold <= 0 {
		opts.Hold = defaultHold
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = defaultMaxLines
	}

	input := textinput.New()
	input.Placeholder = "message"
	input.CharLimit = maxTextLength
	input.Prompt = "> "

	m := Model{
		opts:  opts,
		input: input,
		held:  make(map[string]int),
	}
	if opts.Session != nil {
		m.status = opts.Session.Status()
	}
	if opts.Bridge != nil {
		m.bridge = opts.Bridge.State()
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return refresh()
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.typing {
			return m.updateInput(msg)
		}
		return m.handleKey(msg)

	case lineMsg:
		m.lines = append(m.lines, logging.Line(msg))
		if over := len(m.lines) - m.opts.MaxLines; over > 0 {
			m.lines = m.lines[over:]
		}
		return m, nil

	case statusMsg:
		m.status = session.Status(msg)
		return m, nil

	case bridgeMsg:
		m.bridge = bridge.State(msg)
		return m, nil

	case peerMsg:
		m.last = describe(msg.Message)
		return m, nil

	case fullscreenMsg:
		if m.fullscreen {
			return m, nil
		}
		m.fullscreen = true
		return m, tea.EnterAltScreen

	case refreshMsg:
		if m.opts.Session != nil {
			m.status = m.opts.Session.Status()
		}
		return m, refresh()

	case releaseMsg:
		return m.release(msg), nil

	case resultMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.op, msg.err)
		} else {
			m.lastErr = ""
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if dir, ok := arrowKeys[key]; ok {
		return m.press("dir:"+dir, func(pressed bool) { m.opts.Session.SendCommand(dir, pressed) }, releaseMsg{dir: dir})
	}
	if button, ok := buttonKeys[key]; ok {
		return m.press("btn:"+button, func(pressed bool) { m.opts.Session.SendButton(button, pressed) }, releaseMsg{button: button})
	}

	switch key {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "t", "enter":
		m.typing = true
		return m, m.input.Focus()

	case "c":
		return m, m.run("connect", func(ctx context.Context) error {
			return m.opts.Session.Connect(ctx, m.opts.Room)
		})

	case "h":
		m.opts.Session.Hangup()
		return m, nil

	case "f":
		m.opts.Session.RequestRemoteFullscreen()
		return m, nil

	case "l":
		m.lines = nil
		m.opts.Session.ClearPending()
		return m, nil

	case "m":
		if m.opts.Bridge == nil {
			return m, nil
		}
		if m.bridge.Connected {
			return m, m.run("micro:bit disconnect", func(context.Context) error { return m.opts.Bridge.Disconnect() })
		}
		return m, m.run("micro:bit connect", m.opts.Bridge.Connect)

	case "e":
		if m.opts.Bridge == nil {
			return m, nil
		}
		return m, m.run("bridge enable", func(context.Context) error { return m.opts.Bridge.Enable() })

	case "d":
		if m.opts.Bridge != nil {
			m.opts.Bridge.Disable()
		}
		return m, nil

	case "x":
		if m.opts.Bridge == nil {
			return m, nil
		}
		return m, m.run("micro:bit test", func(context.Context) error { return m.opts.Bridge.SendTest() })
	}
	return m, nil
}

// press sends a press and schedules the release. A repeated press while
// held resends the press and pushes the release back.
func (m Model) press(key string, send func(pressed bool), rel releaseMsg) (tea.Model, tea.Cmd) {
	send(true)
	m.gen++
	m.held[key] = m.gen
	rel.gen = m.gen
	return m, tea.Tick(m.opts.Hold, func(time.Time) tea.Msg { return rel })
}

func (m Model) release(msg releaseMsg) Model {
	key := "dir:" + msg.dir
	if msg.button != "" {
		key = "btn:" + msg.button
	}
	if m.held[key] != msg.gen {
		return m
	}
	delete(m.held, key)

	if msg.button != "" {
		m.opts.Session.SendButton(msg.button, false)
	} else {
		m.opts.Session.SendCommand(msg.dir, false)
	}
	return m
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.typing = false
		m.input.Blur()
		m.input.Reset()
		return m, nil
	case tea.KeyEnter:
		text := m.input.Value()
		m.typing = false
		m.input.Blur()
		m.input.Reset()
		if text != "" {
			m.opts.Session.SendText(text)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// run performs a blocking operation off the update loop.
func (m Model) run(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.opts.Context
	return func() tea.Msg {
		return resultMsg{op: op, err: fn(ctx)}
	}
}

func describe(msg protocol.Message) string {
	switch msg := msg.(type) {
	case protocol.Command:
		return fmt.Sprintf("cmd %s %v", msg.Direction, msg.Pressed)
	case protocol.Button:
		return fmt.Sprintf("btn %s %v", msg.Button, msg.Pressed)
	case protocol.Text:
		return fmt.Sprintf("text %q", msg.Body)
	case protocol.UI:
		if msg.Status != "" {
			return fmt.Sprintf("ui %s %s %s", msg.Cmd, msg.Status, msg.Reason)
		}
		return "ui " + msg.Cmd
	}
	return string(msg.Kind())
}

// Run starts the program and blocks until the user quits.
func Run(opts Options, sink *ProgramSink) error {
	program := tea.NewProgram(NewModel(opts))
	sink.SetProgram(program)
	defer sink.SetProgram(nil)

	_, err := program.Run()
	return err
}
