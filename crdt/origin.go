package crdt

import "fmt"

// OriginKind says where a document change came from.
type OriginKind int

const (
	// LocalEdit is a change made through the document's own API.
	LocalEdit OriginKind = iota
	// RemoteApplied is an update relayed by a peer over the plain update
	// channel.
	RemoteApplied
	// HandshakeApplied is a diff received as a handshake reply.
	HandshakeApplied
	// HistoryApplied is a delta replayed from stored history.
	HistoryApplied
)

func (k OriginKind) String() string {
	switch k {
	case LocalEdit:
		return "local"
	case RemoteApplied:
		return "remote"
	case HandshakeApplied:
		return "handshake"
	case HistoryApplied:
		return "history"
	default:
		return fmt.Sprintf("origin(%d)", int(k))
	}
}

// Origin tags every document change. Peer is the presence id of the
// participant that sent the update; it is empty for local edits and
// history replay.
type Origin struct {
	Kind OriginKind
	Peer string
}

// Local is the origin of edits made on this replica.
func Local() Origin { return Origin{Kind: LocalEdit} }

// Remote is the origin of an update relayed by peer.
func Remote(peer string) Origin { return Origin{Kind: RemoteApplied, Peer: peer} }

// Handshake is the origin of a handshake diff sent by peer.
func Handshake(peer string) Origin { return Origin{Kind: HandshakeApplied, Peer: peer} }

// History is the origin of replayed history.
func History() Origin { return Origin{Kind: HistoryApplied} }

// IsLocal reports whether the change was made on this replica and
// therefore has to be propagated to peers.
func (o Origin) IsLocal() bool { return o.Kind == LocalEdit }

func (o Origin) String() string {
	if o.Peer == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ":" + o.Peer
}
