package connection

// State is one node of the supervisor's connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateClosing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the state machine permits moving from one
// state to another. Any state may fall back to Disconnected (fatal error or
// explicit stop) or Closing (shutdown).
func CanTransition(from, to State) bool {
	if to == StateDisconnected || to == StateClosing {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		// Authenticating only applies to token-gated venues; public ones
		// skip straight to Subscribing.
		return to == StateAuthenticating || to == StateSubscribing
	case StateAuthenticating:
		// Back to Connecting with the freshly acquired endpoint/token.
		return to == StateConnecting
	case StateSubscribing:
		return to == StateStreaming
	case StateStreaming:
		// Socket closure, stale detection or token refresh restart the
		// connect cycle.
		return to == StateConnecting
	case StateClosing:
		return false
	default:
		return false
	}
}
