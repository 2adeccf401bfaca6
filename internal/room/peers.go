package room

import (
	"slices"

	"github.com/manpreetbhatti/roomsync/internal/protocol"
)

// Peers maps peer ids to their outbound channels. It is owned by one room
// actor and is not safe for concurrent use.
type Peers struct {
	peers map[protocol.PeerID]chan<- protocol.Message
}

func NewPeers() *Peers {
	return &Peers{
		peers: make(map[protocol.PeerID]chan<- protocol.Message),
	}
}

// Add inserts or replaces a peer. It reports whether the id was already present.
func (p *Peers) Add(id protocol.PeerID, out chan<- protocol.Message) bool {
	_, existed := p.peers[id]
	p.peers[id] = out
	return existed
}

func (p *Peers) Remove(id protocol.PeerID) bool {
	if _, ok := p.peers[id]; !ok {
		return false
	}
	delete(p.peers, id)
	return true
}

// IDs returns the registered ids in ascending order.
func (p *Peers) IDs() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Peers) Len() int {
	return len(p.peers)
}

// Send delivers m to one peer without blocking.
func (p *Peers) Send(id protocol.PeerID, m protocol.Message) bool {
	out, ok := p.peers[id]
	if !ok {
		return false
	}
	return trySend(out, m)
}

// Notify delivers m to every peer except from without blocking. A peer whose
// channel is full misses the message. It returns the number of peers reached
// and the number skipped.
func (p *Peers) Notify(from protocol.PeerID, m protocol.Message) (sent, dropped int) {
	for id, out := range p.peers {
		if id == from {
			continue
		}
		if trySend(out, m) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}

func trySend(out chan<- protocol.Message, m protocol.Message) bool {
	select {
	case out <- m:
		return true
	default:
		return false
	}
}
