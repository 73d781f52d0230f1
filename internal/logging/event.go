// Package logging renders protocol log records in the [DIR][SRC] event
// format and adapts pion's logger to slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DirKey = "dir"
	SrcKey = "src"

	defaultDir = "SYS"
	defaultSrc = "APP"
)

// Line is one rendered event.
type Line struct {
	Time  time.Time
	Level slog.Level
	Dir   string
	Src   string
	Text  string
}

// String renders the line as "[DIR][SRC] text".
func (l Line) String() string {
	return fmt.Sprintf("[%s][%s] %s", l.Dir, l.Src, l.Text)
}

// Sink receives rendered lines. It must be safe for concurrent use.
type Sink interface {
	Emit(Line)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Line)

func (f SinkFunc) Emit(l Line) { f(l) }

// EventHandler is a slog.Handler that lifts the dir and src attributes
// into the line prefix and appends every other attribute as key=value.
type EventHandler struct {
	level  slog.Leveler
	sink   Sink
	dir    string
	src    string
	attrs  []slog.Attr
	groups []string
}

func NewEventHandler(level slog.Leveler, sink Sink) *EventHandler {
	return &EventHandler{level: level, sink: sink}
}

func (h *EventHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *EventHandler) Handle(_ context.Context, record slog.Record) error {
	line := Line{
		Time:  record.Time,
		Level: record.Level,
		Dir:   h.dir,
		Src:   h.src,
	}

	var extra []string
	for _, attr := range h.attrs {
		extra = append(extra, h.format(attr))
	}
	record.Attrs(func(attr slog.Attr) bool {
		switch {
		case attr.Key == DirKey && len(h.groups) == 0:
			line.Dir = attr.Value.String()
		case attr.Key == SrcKey && len(h.groups) == 0:
			line.Src = attr.Value.String()
		default:
			extra = append(extra, h.format(attr))
		}
		return true
	})

	if line.Dir == "" {
		line.Dir = defaultDir
	}
	if line.Src == "" {
		line.Src = defaultSrc
	}

	text := record.Message
	if len(extra) > 0 {
		text += " " + strings.Join(extra, " ")
	}
	line.Text = text

	h.sink.Emit(line)
	return nil
}

func (h *EventHandler) format(attr slog.Attr) string {
	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	return fmt.Sprintf("%s=%v", key, attr.Value.Resolve())
}

func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := h.clone()
	for _, attr := range attrs {
		switch {
		case attr.Key == DirKey && len(h.groups) == 0:
			derived.dir = attr.Value.String()
		case attr.Key == SrcKey && len(h.groups) == 0:
			derived.src = attr.Value.String()
		default:
			derived.attrs = append(derived.attrs, attr)
		}
	}
	return derived
}

func (h *EventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	derived := h.clone()
	derived.groups = append(derived.groups, name)
	return derived
}

func (h *EventHandler) clone() *EventHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	c.groups = append([]string(nil), h.groups...)
	return &c
}

// WriterSink writes timestamped lines to w.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(l Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s %s\n", l.Time.Format("15:04:05.000"), l.String())
}

// Tee emits every line to each sink in turn.
type Tee []Sink

func (t Tee) Emit(l Line) {
	for _, s := range t {
		s.Emit(l)
	}
}
