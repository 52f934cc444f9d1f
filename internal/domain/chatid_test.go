package domain

import (
	"errors"
	"testing"
)

func TestNormalizeChatID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "972501234567", want: "972501234567@c.us"},
		{in: "+972 50-123-4567", want: "972501234567@c.us"},
		{in: "972501234567@c.us", want: "972501234567@c.us"},
		{in: "972501234567@s.whatsapp.net", want: "972501234567@s.whatsapp.net"},
		{in: "120363025246125486@g.us", want: "120363025246125486@g.us"},
		{in: "972501234567-1609459200@g.us", want: "972501234567-1609459200@g.us"},
		{in: "123456789@lid", want: "123456789@lid"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "123", wantErr: true},
		{in: "user@example.com", wantErr: true},
		{in: "abc@c.us", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NormalizeChatID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidChatID) {
				t.Errorf("NormalizeChatID(%q): expected ErrInvalidChatID, got %v (%q)", tt.in, err, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeChatID(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeChatID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsBroadcast(t *testing.T) {
	if !IsBroadcast("status@broadcast") {
		t.Error("Expected status@broadcast to be a broadcast chat")
	}
	if IsBroadcast("120363025246125486@g.us") {
		t.Error("Expected group chat not to be a broadcast chat")
	}
}

func TestSessionNameForIsStable(t *testing.T) {
	a := SessionNameFor("user-1")
	b := SessionNameFor("user-1")
	c := SessionNameFor("user-2")
	if a != b {
		t.Errorf("Expected stable session name, got %q and %q", a, b)
	}
	if a == c {
		t.Errorf("Expected distinct session names for distinct users, got %q", a)
	}
	if len(a) != len("wa_")+16 {
		t.Errorf("Unexpected session name length: %q", a)
	}
}
