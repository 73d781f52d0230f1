package rtc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telepresence/config"
	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/handlers"
	"github.com/mossy-p/telepresence/internal/registry"
	"github.com/mossy-p/telepresence/internal/transport"
	"github.com/mossy-p/telepresence/internal/transport/rtc"
)

func newNetwork(t *testing.T) *rtc.Network {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Environment: "test", PeerTTL: 30 * time.Second}
	hub := handlers.NewHub(registry.NewMemory(clock.Real()), cfg.PeerTTL)
	srv := httptest.NewServer(handlers.NewRouter(cfg, hub))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := rtc.NewNetwork(rtc.Config{
		BrokerURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Loopback:  true,
	}, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func register(t *testing.T, n *rtc.Network, id string) transport.Peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := n.Register(ctx, id)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	t.Cleanup(func() { p.Destroy() })
	return p
}

// next returns the first event of type E, skipping others.
func next[E transport.Event](t *testing.T, p transport.Peer) E {
	t.Helper()
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("%s: events closed", p.ID())
			}
			if e, ok := ev.(E); ok {
				return e
			}
			if e, ok := ev.(transport.ConnError); ok {
				t.Fatalf("%s: conn error: %v", p.ID(), e.Err)
			}
		case <-timeout:
			var zero E
			t.Fatalf("%s: timed out waiting for %T", p.ID(), zero)
		}
	}
}

func TestRegisterConflict(t *testing.T) {
	n := newNetwork(t)
	register(t, n, "kitchen-host")

	_, err := n.Register(context.Background(), "kitchen-host")
	if !errors.Is(err, transport.ErrUnavailableID) {
		t.Fatalf("err = %v, want ErrUnavailableID", err)
	}
}

func TestDestroyReleasesIdentity(t *testing.T) {
	n := newNetwork(t)
	p := register(t, n, "kitchen-host")
	p.Destroy()

	deadline := time.Now().Add(5 * time.Second)
	for {
		q, err := n.Register(context.Background(), "kitchen-host")
		if err == nil {
			q.Destroy()
			return
		}
		if !errors.Is(err, transport.ErrUnavailableID) || time.Now().After(deadline) {
			t.Fatalf("re-register: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDataChannelOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("sets up real peer connections")
	}
	n := newNetwork(t)
	host := register(t, n, "kitchen-host")
	guest := register(t, n, "kitchen-guest-abc123")

	out := guest.Connect("kitchen-host")
	in := next[transport.IncomingConn](t, host).Conn
	if in.ID() != out.ID() || in.Initiator() != "kitchen-guest-abc123" {
		t.Fatalf("incoming %s from %s, want %s", in.ID(), in.Initiator(), out.ID())
	}

	next[transport.ConnOpen](t, guest)
	next[transport.ConnOpen](t, host)

	if err := out.Send([]byte(`{"type":"cmd","cmd":"UP","pressed":true,"_id":"m1"}`)); err != nil {
		t.Fatal(err)
	}
	got := next[transport.ConnData](t, host)
	if !strings.Contains(string(got.Data), `"_id":"m1"`) {
		t.Fatalf("host got %s", got.Data)
	}

	if err := in.Send([]byte(`{"type":"ack","id":"m1"}`)); err != nil {
		t.Fatal(err)
	}
	if back := next[transport.ConnData](t, guest); string(back.Data) != `{"type":"ack","id":"m1"}` {
		t.Fatalf("guest got %s", back.Data)
	}

	out.Close()
	next[transport.ConnClosed](t, host)
}

func TestConnectToUnknownPeer(t *testing.T) {
	n := newNetwork(t)
	guest := register(t, n, "kitchen-guest-abc123")

	guest.Connect("kitchen-host")

	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev := <-guest.Events():
			if e, ok := ev.(transport.ConnError); ok {
				if !errors.Is(e.Err, transport.ErrPeerUnavailable) {
					t.Fatalf("err = %v, want ErrPeerUnavailable", e.Err)
				}
				return
			}
		case <-timeout:
			t.Fatal("no ConnError for unknown peer")
		}
	}
}
