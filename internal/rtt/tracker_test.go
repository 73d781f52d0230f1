package rtt

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOnAckRecordsSample(t *testing.T) {
	c := clock.Fake(epoch)
	tracker := New(c, 4, discardLogger())

	tracker.MarkSent("m1")
	c.Advance(30 * time.Millisecond)

	sample, ok := tracker.OnAck("m1")
	if !ok {
		t.Fatal("OnAck(m1) = false, want true")
	}
	if sample.RTT != 30*time.Millisecond || sample.Average != 30*time.Millisecond || sample.Window != 1 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if tracker.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d after ack", tracker.Outstanding())
	}
}

func TestDuplicateAckIsIgnored(t *testing.T) {
	c := clock.Fake(epoch)
	tracker := New(c, 4, discardLogger())

	tracker.MarkSent("m1")
	c.Advance(10 * time.Millisecond)
	tracker.OnAck("m1")

	if _, ok := tracker.OnAck("m1"); ok {
		t.Fatal("second ack for m1 produced a sample")
	}
	if tracker.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tracker.Len())
	}
}

func TestForgottenIDProducesNoSample(t *testing.T) {
	c := clock.Fake(epoch)
	tracker := New(c, 4, discardLogger())

	tracker.MarkSent("m1")
	tracker.Forget("m1")
	if _, ok := tracker.OnAck("m1"); ok {
		t.Fatal("ack after Forget produced a sample")
	}
}

func TestWindowDropsOldest(t *testing.T) {
	c := clock.Fake(epoch)
	tracker := New(c, 3, discardLogger())

	for i, rtt := range []time.Duration{100, 10, 20, 30} {
		id := string(rune('a' + i))
		tracker.MarkSent(id)
		c.Advance(rtt * time.Millisecond)
		tracker.OnAck(id)
	}

	if tracker.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tracker.Len())
	}
	if got, want := tracker.Average(), 20*time.Millisecond; got != want {
		t.Fatalf("Average = %v, want %v (oldest sample should be dropped)", got, want)
	}
	if got := tracker.Last(); got != 30*time.Millisecond {
		t.Fatalf("Last = %v, want 30ms", got)
	}
}
