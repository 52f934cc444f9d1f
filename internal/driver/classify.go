package driver

import "strings"

// protocolMarkers are lower-cased reason fragments emitted by browser and
// transport layers when the engine itself broke rather than the network.
var protocolMarkers = []string{
	"protocol error",
	"target closed",
	"session closed",
	"execution context was destroyed",
	"browser has disconnected",
	"page has been closed",
	"websocket: close 1006",
}

// IsProtocolReason applies the free-text heuristic to a disconnect reason.
func IsProtocolReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, m := range protocolMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

// Classify decides whether a disconnect is protocol-class. A structured kind
// from the engine wins; the reason heuristic is only a fallback.
func Classify(ev Event) FaultKind {
	if ev.Kind != FaultUnknown {
		return ev.Kind
	}
	if IsProtocolReason(ev.Reason) {
		return FaultProtocol
	}
	return FaultNormal
}
