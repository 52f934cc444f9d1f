package driver

import "testing"

func TestChooseDriverConfig(t *testing.T) {
	tests := []struct {
		errors int
		want   Tier
	}{
		{0, TierFull},
		{1, TierMinimal},
		{2, TierMinimal},
		{3, TierUltraMinimal},
		{10, TierUltraMinimal},
	}
	for _, tt := range tests {
		if got := ChooseDriverConfig(tt.errors); got != tt.want {
			t.Errorf("ChooseDriverConfig(%d) = %s, want %s", tt.errors, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want FaultKind
	}{
		{"heuristic protocol", Event{Reason: "protocol error: Target closed"}, FaultProtocol},
		{"heuristic browser", Event{Reason: "Browser has disconnected!"}, FaultProtocol},
		{"heuristic normal", Event{Reason: "NAVIGATION"}, FaultNormal},
		{"empty reason", Event{}, FaultNormal},
		{"structured wins over text", Event{Reason: "protocol error", Kind: FaultNormal}, FaultNormal},
		{"structured protocol", Event{Reason: "keepalive timeout", Kind: FaultProtocol}, FaultProtocol},
	}
	for _, tt := range tests {
		if got := Classify(tt.ev); got != tt.want {
			t.Errorf("%s: Classify() = %s, want %s", tt.name, got, tt.want)
		}
	}
}
