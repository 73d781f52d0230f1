package tui

import (
	"errors"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mossy-p/telepresence/internal/bridge"
	"github.com/mossy-p/telepresence/internal/logging"
	"github.com/mossy-p/telepresence/internal/session"
)

var errNotRunning = errors.New("tui: program not running")

// ProgramSink forwards log lines and component notifications into a
// running bubbletea program. It is created before the program so the
// components can be wired first; anything sent before SetProgram is
// dropped.
type ProgramSink struct {
	program atomic.Pointer[tea.Program]
}

func NewProgramSink() *ProgramSink {
	return &ProgramSink{}
}

func (s *ProgramSink) SetProgram(p *tea.Program) {
	s.program.Store(p)
}

func (s *ProgramSink) send(msg tea.Msg) bool {
	p := s.program.Load()
	if p == nil {
		return false
	}
	p.Send(msg)
	return true
}

// Emit implements logging.Sink.
func (s *ProgramSink) Emit(l logging.Line) {
	s.send(lineMsg(l))
}

// Notify is the session observer.
func (s *ProgramSink) Notify(n session.Notification) {
	switch n := n.(type) {
	case session.StatusChanged:
		s.send(statusMsg(n.Status))
	case session.MessageReceived:
		s.send(peerMsg{n.Message})
	}
}

// BridgeChanged reports bridge state to the UI.
func (s *ProgramSink) BridgeChanged(st bridge.State) {
	s.send(bridgeMsg(st))
}

// Fullscreen switches the terminal to the alternate screen on the
// remote's request.
func (s *ProgramSink) Fullscreen() error {
	if !s.send(fullscreenMsg{}) {
		return errNotRunning
	}
	return nil
}
