package browser

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/wa-gateway/internal/driver"
)

func hasFlag(sw []Switch, name string) bool {
	for _, s := range sw {
		if string(s.Flag) == name {
			return true
		}
	}
	return false
}

func TestSwitches(t *testing.T) {
	if got := Switches(driver.TierFull); len(got) != 0 {
		t.Errorf("Expected no switches for full tier, got %v", got)
	}

	minimal := Switches(driver.TierMinimal)
	if !hasFlag(minimal, "disable-gpu") || !hasFlag(minimal, "no-zygote") {
		t.Errorf("Expected minimal switches, got %v", minimal)
	}
	if hasFlag(minimal, "single-process") {
		t.Error("Expected minimal tier to keep multi-process mode")
	}

	ultra := Switches(driver.TierUltraMinimal)
	for _, name := range []string{"disable-gpu", "single-process", "disable-dev-shm-usage", "blink-settings"} {
		if !hasFlag(ultra, name) {
			t.Errorf("Expected ultra-minimal tier to set %s", name)
		}
	}
}

func TestTracker_PairingFlow(t *testing.T) {
	tr := newTracker()

	evs := tr.step(snapshot{QR: "ref-1"})
	if len(evs) != 1 || evs[0].Type != driver.EventQR || evs[0].QR != "ref-1" {
		t.Fatalf("Expected one QR event, got %+v", evs)
	}
	if evs := tr.step(snapshot{QR: "ref-1"}); len(evs) != 0 {
		t.Errorf("Expected unchanged QR to be suppressed, got %+v", evs)
	}
	if evs := tr.step(snapshot{QR: "ref-2"}); len(evs) != 1 || evs[0].QR != "ref-2" {
		t.Errorf("Expected rotated QR, got %+v", evs)
	}

	evs = tr.step(snapshot{LoggedIn: true, Ready: true})
	if len(evs) != 2 || evs[0].Type != driver.EventAuthenticated || evs[1].Type != driver.EventReady {
		t.Fatalf("Expected authenticated then ready, got %+v", evs)
	}
	if evs := tr.step(snapshot{LoggedIn: true, Ready: true}); len(evs) != 0 {
		t.Errorf("Expected steady state to be quiet, got %+v", evs)
	}

	evs = tr.step(snapshot{QR: "ref-3"})
	if len(evs) != 2 || evs[0].Type != driver.EventQR || evs[1].Type != driver.EventAuthFailure {
		t.Errorf("Expected unlink to surface QR and auth failure, got %+v", evs)
	}
}

func TestTracker_MessagesDeduplicated(t *testing.T) {
	tr := newTracker()
	msg := pageMessage{ID: "m1", ChatID: "123@g.us", SenderID: "555@c.us", Body: "hello", Timestamp: 1700000000, IsGroup: true}

	evs := tr.step(snapshot{Ready: true, LoggedIn: true, Messages: []pageMessage{msg}})
	var got *driver.RawMessage
	for _, ev := range evs {
		if ev.Type == driver.EventMessage {
			got = ev.Message
		}
	}
	if got == nil {
		t.Fatal("Expected message event")
	}
	if got.ChatID != "123@g.us" || !got.IsGroup || got.Body != "hello" || got.Timestamp.Unix() != 1700000000 {
		t.Errorf("Unexpected message: %+v", got)
	}

	if evs := tr.step(snapshot{Ready: true, LoggedIn: true, Messages: []pageMessage{msg, {Body: "no id"}}}); len(evs) != 0 {
		t.Errorf("Expected duplicate and id-less messages to be dropped, got %+v", evs)
	}
}

func TestProfileDir(t *testing.T) {
	root := t.TempDir()
	l := NewLauncher(Config{UserDataRoot: root}, nil)

	if got := l.profileDir("wa_u1", nil); got != filepath.Join(root, "wa_u1") {
		t.Errorf("Expected default profile dir, got %s", got)
	}
	raw, _ := json.Marshal(artifacts{UserDataDir: "/data/elsewhere"})
	if got := l.profileDir("wa_u1", raw); got != "/data/elsewhere" {
		t.Errorf("Expected artifact profile dir, got %s", got)
	}
	if got := l.profileDir("wa_u1", []byte("{bad")); got != filepath.Join(root, "wa_u1") {
		t.Errorf("Expected fallback for bad artifacts, got %s", got)
	}
}

func TestPurgeAuth(t *testing.T) {
	root := t.TempDir()
	l := NewLauncher(Config{UserDataRoot: root}, nil)
	dir := filepath.Join(root, "wa_u2")
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0o700); err != nil {
		t.Fatal(err)
	}

	if err := l.PurgeAuth(context.Background(), "wa_u2", nil); err != nil {
		t.Fatalf("PurgeAuth failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected profile removed, stat err %v", err)
	}
	if err := l.PurgeAuth(context.Background(), "wa_u2", nil); err != nil {
		t.Errorf("Expected purge of missing profile to succeed, got %v", err)
	}
}
