package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Updates use the protobuf wire format:
//
//	message Update {
//	  repeated Insert insert = 1;
//	  repeated ItemID delete = 2;
//	}
//	message Insert {
//	  fixed64 client = 1; uint64 clock = 2;
//	  fixed64 origin_client = 3; uint64 origin_clock = 4;
//	  uint32 value = 5;
//	}
//	message ItemID { fixed64 client = 1; uint64 clock = 2; }
//
// Unknown fields are skipped.
const (
	fieldInsert protowire.Number = 1
	fieldDelete protowire.Number = 2

	fieldClient       protowire.Number = 1
	fieldClock        protowire.Number = 2
	fieldOriginClient protowire.Number = 3
	fieldOriginClock  protowire.Number = 4
	fieldValue        protowire.Number = 5
)

var ErrDecode = errors.New("crdt: malformed update")

type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("crdt: malformed update at byte %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrDecode
}

type update struct {
	inserts []insertOp
	deletes []ID
}

func encodeUpdate(u update) []byte {
	var b []byte
	for _, op := range u.inserts {
		var m []byte
		m = appendID(m, op.id)
		if !op.origin.IsZero() {
			m = protowire.AppendTag(m, fieldOriginClient, protowire.Fixed64Type)
			m = protowire.AppendFixed64(m, op.origin.Client)
			m = protowire.AppendTag(m, fieldOriginClock, protowire.VarintType)
			m = protowire.AppendVarint(m, op.origin.Clock)
		}
		m = protowire.AppendTag(m, fieldValue, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(op.value))

		b = protowire.AppendTag(b, fieldInsert, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, id := range u.deletes {
		b = protowire.AppendTag(b, fieldDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, appendID(nil, id))
	}
	return b
}

func appendID(b []byte, id ID) []byte {
	b = protowire.AppendTag(b, fieldClient, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, id.Client)
	b = protowire.AppendTag(b, fieldClock, protowire.VarintType)
	return protowire.AppendVarint(b, id.Clock)
}

func decodeUpdate(b []byte) (update, error) {
	var u update
	offset := 0
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return update{}, wireError(offset, n)
		}
		offset += n
		b = b[n:]

		if (num == fieldInsert || num == fieldDelete) && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return update{}, wireError(offset, n)
			}
			if num == fieldInsert {
				op, err := decodeInsert(msg, offset)
				if err != nil {
					return update{}, err
				}
				u.inserts = append(u.inserts, op)
			} else {
				id, err := decodeItemID(msg, offset)
				if err != nil {
					return update{}, err
				}
				u.deletes = append(u.deletes, id)
			}
			offset += n
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return update{}, wireError(offset, n)
		}
		offset += n
		b = b[n:]
	}
	return u, nil
}

func decodeInsert(b []byte, base int) (insertOp, error) {
	var op insertOp
	var hasValue bool
	err := consumeFields(b, base, func(num protowire.Number, typ protowire.Type, v uint64) {
		switch {
		case num == fieldClient && typ == protowire.Fixed64Type:
			op.id.Client = v
		case num == fieldClock && typ == protowire.VarintType:
			op.id.Clock = v
		case num == fieldOriginClient && typ == protowire.Fixed64Type:
			op.origin.Client = v
		case num == fieldOriginClock && typ == protowire.VarintType:
			op.origin.Clock = v
		case num == fieldValue && typ == protowire.VarintType:
			op.value = rune(v)
			hasValue = v <= utf8.MaxRune
		}
	})
	if err != nil {
		return insertOp{}, err
	}
	if op.id.Clock == 0 {
		return insertOp{}, &DecodeError{Offset: base, Reason: "insert without clock"}
	}
	if !hasValue || !utf8.ValidRune(op.value) {
		return insertOp{}, &DecodeError{Offset: base, Reason: "insert without a valid character"}
	}
	return op, nil
}

func decodeItemID(b []byte, base int) (ID, error) {
	var id ID
	err := consumeFields(b, base, func(num protowire.Number, typ protowire.Type, v uint64) {
		switch {
		case num == fieldClient && typ == protowire.Fixed64Type:
			id.Client = v
		case num == fieldClock && typ == protowire.VarintType:
			id.Clock = v
		}
	})
	if err != nil {
		return ID{}, err
	}
	if id.Clock == 0 {
		return ID{}, &DecodeError{Offset: base, Reason: "delete without clock"}
	}
	return id, nil
}

// consumeFields walks an embedded message and hands every varint and fixed64
// field to set. Other wire types are skipped.
func consumeFields(b []byte, base int, set func(protowire.Number, protowire.Type, uint64)) error {
	offset := base
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireError(offset, n)
		}
		offset += n
		b = b[n:]

		var v uint64
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return wireError(offset, n)
		}
		if typ == protowire.VarintType || typ == protowire.Fixed64Type {
			set(num, typ, v)
		}
		offset += n
		b = b[n:]
	}
	return nil
}

func wireError(offset, n int) error {
	return &DecodeError{Offset: offset, Reason: protowire.ParseError(n).Error()}
}
