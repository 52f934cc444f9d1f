package fanout

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) Deliver(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHub_StampsEvents(t *testing.T) {
	c := &collector{}
	hub := NewHub(16, discardLogger(), c)
	defer hub.Close()

	for i := 0; i < 3; i++ {
		hub.Publish(domain.Event{Type: domain.EventStatus, UserID: "u"})
	}
	waitUntil(t, "delivery", func() bool { return len(c.snapshot()) == 3 })

	seen := make(map[string]bool)
	for i, ev := range c.snapshot() {
		if ev.Seq != int64(i+1) {
			t.Errorf("Expected seq %d, got %d", i+1, ev.Seq)
		}
		if ev.ID == "" || seen[ev.ID] {
			t.Errorf("Expected unique event id, got %q", ev.ID)
		}
		seen[ev.ID] = true
		if ev.At.IsZero() {
			t.Error("Expected timestamp to be set")
		}
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := SinkFunc(func(domain.Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	hub := NewHub(1, discardLogger(), blocking)

	var dropped []domain.EventType
	hub.OnDrop(func(typ domain.EventType) { dropped = append(dropped, typ) })

	hub.Publish(domain.Event{Type: domain.EventStatus})
	<-entered
	hub.Publish(domain.Event{Type: domain.EventQR})

	done := make(chan struct{})
	go func() {
		hub.Publish(domain.Event{Type: domain.EventMessage})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	if hub.Dropped() != 1 || len(dropped) != 1 || dropped[0] != domain.EventMessage {
		t.Errorf("Expected one dropped message event, got %d %v", hub.Dropped(), dropped)
	}
	close(release)
	hub.Close()
}

func TestHub_PanickingSinkDoesNotStopDelivery(t *testing.T) {
	c := &collector{}
	bad := SinkFunc(func(domain.Event) { panic("boom") })
	hub := NewHub(4, discardLogger(), bad, c)
	defer hub.Close()

	hub.Publish(domain.Event{Type: domain.EventStatus, UserID: "u"})
	hub.Publish(domain.Event{Type: domain.EventStatus, UserID: "u"})
	waitUntil(t, "delivery", func() bool { return len(c.snapshot()) == 2 })
}

func TestHub_CloseFlushesQueue(t *testing.T) {
	c := &collector{}
	hub := NewHub(64, discardLogger(), c)
	for i := 0; i < 20; i++ {
		hub.Publish(domain.Event{Type: domain.EventMessage, UserID: "u"})
	}
	hub.Close()

	if got := len(c.snapshot()); got != 20 {
		t.Errorf("Expected 20 delivered events after close, got %d", got)
	}
	hub.Publish(domain.Event{Type: domain.EventMessage, UserID: "u"})
	if got := len(c.snapshot()); got != 20 {
		t.Errorf("Expected publish after close to be ignored, got %d", got)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		user string
		want string
	}{
		{"u1", "wa.events.u1.message"},
		{"a.b", "wa.events.a_b.message"},
		{"x*>y z", "wa.events.x__y_z.message"},
		{"", "wa.events._.message"},
	}
	for _, tt := range tests {
		got := Subject(DefaultSubjectPrefix, domain.Event{UserID: tt.user, Type: domain.EventMessage})
		if got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.user, got, tt.want)
		}
	}
}
