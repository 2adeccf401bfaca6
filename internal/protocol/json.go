package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON is the self-describing codec. Frames look like
//
//	{"type":"update","data":"<base64>"}
//	{"type":"join","data":{"id":1,"peers":[2,3]}}
//	{"type":"ping_pong"}
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var typeNames = map[string]Tag{
	"update":           TagUpdate,
	"awareness":        TagAwareness,
	"snapshot_request": TagSnapshotRequest,
	"snapshot":         TagSnapshot,
	"ping_pong":        TagPingPong,
	"join":             TagJoin,
	"error":            TagError,
}

func (jsonCodec) Name() string {
	return SubprotocolJSON
}

func (jsonCodec) Encode(m Message) ([]byte, error) {
	if !m.Tag.Known() {
		return nil, &UnknownTagError{Tag: m.Tag}
	}

	env := envelope{Type: m.Tag.String()}

	var (
		data []byte
		err  error
	)
	switch m.Tag {
	case TagUpdate, TagAwareness, TagSnapshot:
		payload := m.Payload
		if payload == nil {
			payload = []byte{}
		}
		data, err = json.Marshal(payload)
	case TagError:
		data, err = json.Marshal(string(m.Payload))
	case TagJoin:
		if m.Join == nil {
			return nil, fmt.Errorf("%w: join frame without roster", ErrMalformed)
		}
		data, err = json.Marshal(m.Join)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Tag, err)
	}
	env.Data = data

	return json.Marshal(env)
}

func (jsonCodec) Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	tag, ok := typeNames[env.Type]
	if !ok {
		return Message{}, &UnknownTagError{Name: env.Type}
	}

	m := Message{Tag: tag}
	switch tag {
	case TagUpdate, TagAwareness, TagSnapshot:
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &m.Payload); err != nil {
				return Message{}, fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
			}
		}
	case TagError:
		var text string
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &text); err != nil {
				return Message{}, fmt.Errorf("%w: error data: %v", ErrMalformed, err)
			}
		}
		m.Payload = []byte(text)
	case TagJoin:
		var j Join
		if err := json.Unmarshal(env.Data, &j); err != nil {
			return Message{}, fmt.Errorf("%w: join data: %v", ErrMalformed, err)
		}
		if j.Peers == nil {
			j.Peers = []PeerID{}
		}
		m.Join = &j
	}
	return m, nil
}
