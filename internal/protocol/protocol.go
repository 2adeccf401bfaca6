package protocol

import (
	"errors"
	"fmt"
)

// Tag identifies the kind of a frame. It is the first byte of a binary frame.
type Tag byte

const (
	// Raw CRDT update bytes, both directions
	TagUpdate Tag = 0x00

	// Ephemeral presence/cursor bytes, both directions
	TagAwareness Tag = 0x01

	// Client asks for the full document state
	TagSnapshotRequest Tag = 0x02

	// Full document state, server to client
	TagSnapshot Tag = 0x03

	// Heartbeat echo, both directions
	TagPingPong Tag = 0x04

	// Assigned peer id plus the roster that existed before the join
	TagJoin Tag = 0x05

	// Human-readable error text, server to client
	TagError Tag = 0x11
)

func (t Tag) String() string {
	switch t {
	case TagUpdate:
		return "update"
	case TagAwareness:
		return "awareness"
	case TagSnapshotRequest:
		return "snapshot_request"
	case TagSnapshot:
		return "snapshot"
	case TagPingPong:
		return "ping_pong"
	case TagJoin:
		return "join"
	case TagError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Known reports whether t is part of the vocabulary.
func (t Tag) Known() bool {
	switch t {
	case TagUpdate, TagAwareness, TagSnapshotRequest, TagSnapshot, TagPingPong, TagJoin, TagError:
		return true
	}
	return false
}

// PeerID is the random identity of one connection within a room.
type PeerID uint64

var (
	ErrEmptyFrame = errors.New("protocol: empty frame")
	ErrUnknownTag = errors.New("protocol: unknown tag")
	ErrMalformed  = errors.New("protocol: malformed frame")
)

// UnknownTagError is returned by decoders for discriminants outside the
// vocabulary. Callers are expected to skip the frame, not drop the connection.
type UnknownTagError struct {
	Tag  Tag
	Name string // set by the JSON codec
}

func (e *UnknownTagError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("protocol: unknown message type %q", e.Name)
	}
	return fmt.Sprintf("protocol: unknown tag 0x%02x", byte(e.Tag))
}

func (e *UnknownTagError) Unwrap() error {
	return ErrUnknownTag
}

// Join is the payload of a TagJoin frame.
type Join struct {
	ID    PeerID   `json:"id"`
	Peers []PeerID `json:"peers"`
}

// Message is one frame of the protocol in either direction. Payload carries
// the opaque bytes of update, awareness and snapshot frames and the text of
// error frames; Join is set only for TagJoin.
type Message struct {
	Tag     Tag
	Payload []byte
	Join    *Join
}

func Update(b []byte) Message {
	return Message{Tag: TagUpdate, Payload: b}
}

func Awareness(b []byte) Message {
	return Message{Tag: TagAwareness, Payload: b}
}

func SnapshotRequest() Message {
	return Message{Tag: TagSnapshotRequest}
}

func Snapshot(b []byte) Message {
	return Message{Tag: TagSnapshot, Payload: b}
}

func PingPong() Message {
	return Message{Tag: TagPingPong}
}

// JoinReply builds the roster reply. A nil peer list is sent as empty.
func JoinReply(id PeerID, peers []PeerID) Message {
	if peers == nil {
		peers = []PeerID{}
	}
	return Message{Tag: TagJoin, Join: &Join{ID: id, Peers: peers}}
}

func Error(text string) Message {
	return Message{Tag: TagError, Payload: []byte(text)}
}

// Codec maps messages to and from wire frames.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
}

const (
	SubprotocolBinary = "roomsync.v1.binary"
	SubprotocolJSON   = "roomsync.v1.json"
)

// Subprotocols lists the negotiable subprotocols, preferred first.
var Subprotocols = []string{SubprotocolBinary, SubprotocolJSON}

// ForSubprotocol returns the codec for a negotiated subprotocol. Anything
// unrecognized, including no subprotocol at all, gets the binary codec.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolJSON {
		return JSON
	}
	return Binary
}
