package domain

// State is the connection state of one session.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateInitializing  State = "initializing"
	StateQRReady       State = "qr_ready"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateDisconnected,
	StateInitializing,
	StateQRReady,
	StateAuthenticated,
	StateReady,
	StateFailed,
}

// Connecting reports whether a driver launch is in progress or waiting for the user.
func (s State) Connecting() bool {
	return s == StateInitializing || s == StateQRReady || s == StateAuthenticated
}

// Terminal reports whether the state requires a manual restart to leave.
func (s State) Terminal() bool {
	return s == StateFailed
}

func (s State) String() string {
	return string(s)
}
