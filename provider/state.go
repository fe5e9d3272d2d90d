package provider

// State is the provider's position in its lifecycle.
type State int32

const (
	// Idle: not attached to a room. The initial state, and the state after
	// Disconnect.
	Idle State = iota
	// Connecting: Connect is in progress or the join has not been
	// confirmed yet.
	Connecting
	// Handshaking: joined, waiting for update-step-2 replies.
	Handshaking
	// Synced: every peer present at the last handshake has replied, left
	// or timed out.
	Synced
	Destroyed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Synced:
		return "synced"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}
