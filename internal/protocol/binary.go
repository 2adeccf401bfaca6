package protocol

import (
	"encoding/json"
	"fmt"
)

// Binary is the tag-prefixed codec: one tag byte followed by the payload.
var Binary Codec = binaryCodec{}

type binaryCodec struct{}

func (binaryCodec) Name() string {
	return SubprotocolBinary
}

func (binaryCodec) Encode(m Message) ([]byte, error) {
	if !m.Tag.Known() {
		return nil, &UnknownTagError{Tag: m.Tag}
	}

	if m.Tag == TagJoin {
		if m.Join == nil {
			return nil, fmt.Errorf("%w: join frame without roster", ErrMalformed)
		}
		body, err := json.Marshal(m.Join)
		if err != nil {
			return nil, fmt.Errorf("encode join: %w", err)
		}
		buf := make([]byte, 0, 1+len(body))
		buf = append(buf, byte(TagJoin))
		return append(buf, body...), nil
	}

	buf := make([]byte, 0, 1+len(m.Payload))
	buf = append(buf, byte(m.Tag))
	return append(buf, m.Payload...), nil
}

// Decode splits a frame into tag and payload. The payload aliases frame.
func (binaryCodec) Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	tag := Tag(frame[0])
	payload := frame[1:]

	switch tag {
	case TagUpdate, TagAwareness, TagSnapshot, TagError:
		return Message{Tag: tag, Payload: payload}, nil
	case TagSnapshotRequest, TagPingPong:
		return Message{Tag: tag}, nil
	case TagJoin:
		var j Join
		if err := json.Unmarshal(payload, &j); err != nil {
			return Message{}, fmt.Errorf("%w: join payload: %v", ErrMalformed, err)
		}
		if j.Peers == nil {
			j.Peers = []PeerID{}
		}
		return Message{Tag: TagJoin, Join: &j}, nil
	default:
		return Message{}, &UnknownTagError{Tag: tag}
	}
}
