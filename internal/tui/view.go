package tui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mossy-p/telepresence/internal/logging"
	"github.com/mossy-p/telepresence/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	onStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	// Highlights a direction or button while it counts as held.
	heldStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("10"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

var dirColors = map[string]lipgloss.Color{
	"TX":  lipgloss.Color("13"),
	"RX":  lipgloss.Color("14"),
	"SYS": lipgloss.Color("8"),
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("telepresence"))
	b.WriteString("  room ")
	b.WriteString(keyStyle.Render(m.opts.Room))
	b.WriteString("\n\n")

	status := lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(m.sessionView()),
		" ",
		boxStyle.Render(m.controlsView()),
	)
	b.WriteString(status)
	b.WriteString("\n")

	if m.typing {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString(errorStyle.Render(m.lastErr))
		b.WriteString("\n")
	}

	b.WriteString(m.logView())
	b.WriteString("\n")
	b.WriteString(m.helpView())
	return b.String()
}

func (m Model) sessionView() string {
	s := m.status
	lines := []string{
		fmt.Sprintf("state   %s", stateStyle(s.State).Render(string(s.State))),
		fmt.Sprintf("role    %s", orDash(s.Role)),
		fmt.Sprintf("local   %s", orDash(s.LocalID)),
		fmt.Sprintf("remote  %s", orDash(s.RemoteID)),
		fmt.Sprintf("media %s  data %s", flag(s.MediaConnected), flag(s.DataConnected)),
		fmt.Sprintf("pending %d  rtt %s (last %s)", s.Pending, ms(s.RTTAverage), ms(s.RTTLast)),
	}
	if m.opts.Bridge != nil {
		lines = append(lines, fmt.Sprintf("micro:bit %s  bridge %s", flag(m.bridge.Connected), flag(m.bridge.Enabled)))
	}
	if m.last != "" {
		lines = append(lines, "last rx "+m.last)
	}
	return strings.Join(lines, "\n")
}

func (m Model) controlsView() string {
	cell := func(label, key string) string {
		if _, ok := m.held[key]; ok {
			return heldStyle.Render(label)
		}
		return label
	}
	return strings.Join([]string{
		"   " + cell(" ↑ ", "dir:UP"),
		cell(" ← ", "dir:LEFT") + "   " + cell(" → ", "dir:RIGHT"),
		"   " + cell(" ↓ ", "dir:DOWN"),
		"",
		cell(" A ", "btn:A") + "  " + cell(" B ", "btn:B"),
	}, "\n")
}

func (m Model) logView() string {
	rows := 12
	if m.height > 0 {
		rows = max(m.height-16, 3)
	}
	start := max(len(m.lines)-rows, 0)

	var b strings.Builder
	for _, l := range m.lines[start:] {
		b.WriteString(renderLine(l))
		b.WriteString("\n")
	}
	return b.String()
}

func renderLine(l logging.Line) string {
	prefix := lipgloss.NewStyle().Foreground(dirColors[l.Dir]).Render(fmt.Sprintf("[%s][%s]", l.Dir, l.Src))
	text := l.Text
	switch {
	case l.Level >= slog.LevelError:
		text = errorStyle.Render(text)
	case l.Level >= slog.LevelWarn:
		text = warnStyle.Render(text)
	}
	return helpStyle.Render(l.Time.Format("15:04:05.000")) + " " + prefix + " " + text
}

func (m Model) helpView() string {
	if m.typing {
		return helpStyle.Render("enter send • esc cancel")
	}
	keys := []string{"←↑↓→ drive", "a/b buttons", "t text", "c connect", "h hang up", "f remote fullscreen", "l clear"}
	if m.opts.Bridge != nil {
		keys = append(keys, "m micro:bit", "e/d bridge on/off", "x test")
	}
	keys = append(keys, "q quit")
	return helpStyle.Render(strings.Join(keys, " • "))
}

func stateStyle(s session.State) lipgloss.Style {
	switch s {
	case session.StateConnected:
		return onStyle
	case session.StateDisconnected:
		return errorStyle
	case session.StateIdle:
		return offStyle
	}
	return warnStyle
}

func flag(on bool) string {
	if on {
		return onStyle.Render("on")
	}
	return offStyle.Render("off")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ms(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
