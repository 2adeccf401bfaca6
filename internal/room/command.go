package room

import (
	"github.com/manpreetbhatti/roomsync/internal/protocol"
)

// Command is a request processed by a room's actor. Commands are handled one
// at a time in mailbox order.
type Command interface {
	peer() protocol.PeerID
}

// Join registers a peer. The actor first sends the peer a Join reply holding
// the roster as it was before the peer was added.
type Join struct {
	Peer protocol.PeerID
	Out  chan<- protocol.Message
}

// Leave removes a peer. Leaving twice is harmless.
type Leave struct {
	Peer protocol.PeerID
}

// ClientUpdate carries CRDT update bytes from a peer.
type ClientUpdate struct {
	Peer   protocol.PeerID
	Update []byte
}

// ClientAwareness carries presence bytes. They are relayed, never applied.
type ClientAwareness struct {
	Peer      protocol.PeerID
	Awareness []byte
}

// SnapshotRequest asks for the full document state, delivered once on Reply.
// Reply should have room for one value.
type SnapshotRequest struct {
	Peer  protocol.PeerID
	Reply chan<- []byte
}

func (c Join) peer() protocol.PeerID            { return c.Peer }
func (c Leave) peer() protocol.PeerID           { return c.Peer }
func (c ClientUpdate) peer() protocol.PeerID    { return c.Peer }
func (c ClientAwareness) peer() protocol.PeerID { return c.Peer }
func (c SnapshotRequest) peer() protocol.PeerID { return c.Peer }
