package negotiator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/mossy-p/telepresence/internal/transport"
	"github.com/mossy-p/telepresence/internal/transport/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFirstDeviceBecomesHost(t *testing.T) {
	n := New(memory.NewNetwork(), 0, discardLogger())

	res, err := n.Negotiate(context.Background(), "  kitchen ")
	if err != nil {
		t.Fatal(err)
	}
	if res.Role != RoleHost || res.LocalID != "kitchen-host" || res.HostID != "kitchen-host" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSecondDeviceBecomesGuest(t *testing.T) {
	network := memory.NewNetwork()
	n := New(network, 0, discardLogger())

	if _, err := n.Negotiate(context.Background(), "kitchen"); err != nil {
		t.Fatal(err)
	}
	res, err := n.Negotiate(context.Background(), "kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if res.Role != RoleGuest || res.HostID != "kitchen-host" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !regexp.MustCompile(`^kitchen-guest-[0-9a-f]{6}$`).MatchString(res.LocalID) {
		t.Fatalf("guest id %q does not match the naming scheme", res.LocalID)
	}
}

func TestRoomIsEscaped(t *testing.T) {
	if got := HostID("living room/2"); got != "living%20room%2F2-host" {
		t.Fatalf("HostID = %q", got)
	}
}

func TestEmptyRoom(t *testing.T) {
	n := New(memory.NewNetwork(), 0, discardLogger())
	if _, err := n.Negotiate(context.Background(), "   "); !errors.Is(err, ErrEmptyRoom) {
		t.Fatalf("Negotiate = %v, want ErrEmptyRoom", err)
	}
}

func TestSimultaneousStartElectsOneHost(t *testing.T) {
	network := memory.NewNetwork()
	n := New(network, 0, discardLogger())

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = n.Negotiate(context.Background(), "garage")
		}()
	}
	wg.Wait()

	hosts := 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("device %d: %v", i, errs[i])
		}
		if res.Role == RoleHost {
			hosts++
		}
	}
	if hosts != 1 {
		t.Fatalf("%d hosts elected, want 1", hosts)
	}
}

func TestGuestConflictRetriesWithNewSuffix(t *testing.T) {
	network := memory.NewNetwork()
	n := New(network, 3, discardLogger())
	n.Negotiate(context.Background(), "lab")
	network.Register(context.Background(), GuestID("lab", "aaaaaa"))

	suffixes := []string{"aaaaaa", "bbbbbb"}
	n.suffix = func() (string, error) {
		s := suffixes[0]
		suffixes = suffixes[1:]
		return s, nil
	}

	res, err := n.Negotiate(context.Background(), "lab")
	if err != nil {
		t.Fatal(err)
	}
	if res.LocalID != "lab-guest-bbbbbb" {
		t.Fatalf("LocalID = %q, want lab-guest-bbbbbb", res.LocalID)
	}
}

func TestGuestAttemptsExhausted(t *testing.T) {
	network := memory.NewNetwork()
	n := New(network, 2, discardLogger())
	n.Negotiate(context.Background(), "lab")
	network.Register(context.Background(), GuestID("lab", "aaaaaa"))
	n.suffix = func() (string, error) { return "aaaaaa", nil }

	_, err := n.Negotiate(context.Background(), "lab")
	if !errors.Is(err, transport.ErrUnavailableID) {
		t.Fatalf("Negotiate = %v, want ErrUnavailableID", err)
	}
}

type failingNetwork struct{ err error }

func (f failingNetwork) Register(ctx context.Context, id string) (transport.Peer, error) {
	return nil, f.err
}

func TestOtherErrorsAreFatal(t *testing.T) {
	boom := errors.New("broker unreachable")
	n := New(failingNetwork{err: boom}, 0, discardLogger())

	_, err := n.Negotiate(context.Background(), "lab")
	if !errors.Is(err, boom) {
		t.Fatalf("Negotiate = %v, want wrapped broker error", err)
	}
}
