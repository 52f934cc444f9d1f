package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return s
}

func TestSQLiteStore_UpsertMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := domain.InboundMessage{
		ID:        "ABC123",
		UserID:    "user-1",
		ChatID:    "1555@c.us",
		SenderID:  "1555@c.us",
		Body:      "hello",
		Timestamp: time.Unix(1700000000, 0),
	}

	for i := 0; i < 2; i++ {
		if err := s.UpsertMessage(ctx, msg); err != nil {
			t.Fatalf("UpsertMessage failed: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 persisted message, got %d", len(got))
	}
	if got[0].Body != "hello" || !got[0].Timestamp.Equal(msg.Timestamp) {
		t.Errorf("Expected stored message to match, got %+v", got[0])
	}

	// Same id under another user is a different record.
	msg.UserID = "user-2"
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}
	other, _ := s.ListMessages(ctx, "user-2", "", 10)
	if len(other) != 1 {
		t.Errorf("Expected message scoped per user, got %d", len(other))
	}
}

func TestSQLiteStore_ListMessagesByChatOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, chat := range []string{"a@c.us", "b@c.us", "a@c.us", "a@c.us"} {
		err := s.UpsertMessage(ctx, domain.InboundMessage{
			ID: string(rune('1' + i)), UserID: "u", ChatID: chat, SenderID: chat,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListMessages(ctx, "u", "a@c.us", 2)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "4" {
		t.Errorf("Expected newest two of chat a oldest first, got %+v", got)
	}
}

func TestSQLiteStore_UpsertChatPreservesKnownFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	err := s.UpsertChatSummary(ctx, "u", domain.ChatSummary{
		ID: "123-456@g.us", Name: "Team", IsGroup: true, ParticipantCount: 12,
		Description: "weekly sync", LastActivityAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Discovery from traffic knows only the id and activity time.
	err = s.UpsertChatSummary(ctx, "u", domain.ChatSummary{
		ID: "123-456@g.us", IsGroup: true, LastActivityAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	chats, total, err := s.ListChats(ctx, "u", true, domain.Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if total != 1 || len(chats) != 1 {
		t.Fatalf("Expected 1 chat, got total=%d len=%d", total, len(chats))
	}
	c := chats[0]
	if c.Name != "Team" || c.ParticipantCount != 12 || c.Description != "weekly sync" {
		t.Errorf("Expected known fields preserved, got %+v", c)
	}
	if !c.LastActivityAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected last activity refreshed, got %v", c.LastActivityAt)
	}
}

func TestSQLiteStore_AuthArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob, err := s.LoadSessionAuthArtifacts(ctx, "u")
	if err != nil || blob != nil {
		t.Fatalf("Expected nil blob for unknown user, got %q, %v", blob, err)
	}
	if err := s.SaveSessionAuthArtifacts(ctx, "u", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSessionAuthArtifacts(ctx, "u", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	blob, _ = s.LoadSessionAuthArtifacts(ctx, "u")
	if string(blob) != "v2" {
		t.Errorf("Expected v2, got %q", blob)
	}
	if err := s.DeleteSessionAuthArtifacts(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	blob, _ = s.LoadSessionAuthArtifacts(ctx, "u")
	if blob != nil {
		t.Errorf("Expected artifacts deleted, got %q", blob)
	}
}

func TestSQLiteStore_SessionStateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name := domain.SessionNameFor("u")

	if err := s.UpdateSessionState(ctx, "u", name, domain.StateInitializing); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionState(ctx, "u", name, domain.StateReady); err != nil {
		t.Fatal(err)
	}

	user, err := s.FindUserBySessionName(ctx, name)
	if err != nil {
		t.Fatalf("FindUserBySessionName failed: %v", err)
	}
	if user == nil || user.UserID != "u" || user.State != domain.StateReady {
		t.Errorf("Expected ready user u, got %+v", user)
	}

	missing, err := s.FindUserBySessionName(ctx, "wa_unknown")
	if err != nil || missing != nil {
		t.Errorf("Expected nil for unknown session, got %+v, %v", missing, err)
	}
}

func TestSQLiteStore_Keywords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"פתק 2", "alerts", "פתק 2"} {
		if err := s.AddKeyword(ctx, "u", k); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListKeywords(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "פתק 2" || got[1] != "alerts" {
		t.Errorf("Expected [פתק 2 alerts], got %v", got)
	}

	if err := s.RemoveKeyword(ctx, "u", "alerts"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveKeyword(ctx, "u", "alerts"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
