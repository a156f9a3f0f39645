// Package message defines the four payload schemas carried inside a
// restpipe frame (protocol.Header + payload) and serializes them with
// protobuf-compatible wire bytes.
//
// There is no .proto file and no generated code: each type hand-rolls its
// Marshal/Unmarshal with google.golang.org/protobuf/encoding/protowire,
// the same low-level varint/length-delimited primitives protoc-gen-go
// would emit. Only the on-wire bytes need to match what a schema
// compiler like Protocol Buffers would produce — the schema need not be
// compiled from a .proto source, so a peer built with real generated
// protobuf stubs can talk to this package without either side knowing
// the difference.
package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the only protocol version defined so far; every payload
// type below carries it in field 1.
const Version uint32 = 1

// Heartbeat is the client-originated liveness probe (no useful payload
// beyond the version, kept for forward compatibility).
type Heartbeat struct {
	Version uint32
}

// HeartbeatReply answers a Heartbeat.
type HeartbeatReply struct {
	Version uint32
}

// Event carries a REST-style request from one peer to the other.
type Event struct {
	Version  uint32
	Verb     string // uppercase HTTP-like method, e.g. "GET"
	Noun     string // path, possibly with "//arg/arg" parameters appended
	Mimetype string
	Data     []byte
}

// EventReply answers an Event. Code == 0 means success.
type EventReply struct {
	Version  uint32
	Code     int32
	Mimetype string
	Data     []byte
}

const (
	fieldVersion  protowire.Number = 1
	fieldVerb     protowire.Number = 2
	fieldNoun     protowire.Number = 3
	fieldMimetype protowire.Number = 4
	fieldData     protowire.Number = 5
	fieldCode     protowire.Number = 2 // EventReply only; Event has no Code field
)

// Marshal encodes a Heartbeat to protobuf-compatible wire bytes.
func (m Heartbeat) Marshal() ([]byte, error) {
	return appendVarintField(nil, fieldVersion, uint64(m.Version)), nil
}

// Unmarshal decodes a Heartbeat from protobuf-compatible wire bytes.
func (m *Heartbeat) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == fieldVersion {
			n, err := consumeVarintValue(v)
			if err != nil {
				return err
			}
			m.Version = uint32(n)
		}
		return nil
	})
}

// Marshal encodes a HeartbeatReply to protobuf-compatible wire bytes.
func (m HeartbeatReply) Marshal() ([]byte, error) {
	return appendVarintField(nil, fieldVersion, uint64(m.Version)), nil
}

// Unmarshal decodes a HeartbeatReply from protobuf-compatible wire bytes.
func (m *HeartbeatReply) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == fieldVersion {
			n, err := consumeVarintValue(v)
			if err != nil {
				return err
			}
			m.Version = uint32(n)
		}
		return nil
	})
}

// Marshal encodes an Event to protobuf-compatible wire bytes.
func (m Event) Marshal() ([]byte, error) {
	buf := appendVarintField(nil, fieldVersion, uint64(m.Version))
	buf = appendBytesField(buf, fieldVerb, []byte(m.Verb))
	buf = appendBytesField(buf, fieldNoun, []byte(m.Noun))
	buf = appendBytesField(buf, fieldMimetype, []byte(m.Mimetype))
	buf = appendBytesField(buf, fieldData, m.Data)
	return buf, nil
}

// Unmarshal decodes an Event from protobuf-compatible wire bytes.
func (m *Event) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldVersion:
			n, err := consumeVarintValue(v)
			if err != nil {
				return err
			}
			m.Version = uint32(n)
		case fieldVerb:
			m.Verb = string(v)
		case fieldNoun:
			m.Noun = string(v)
		case fieldMimetype:
			m.Mimetype = string(v)
		case fieldData:
			m.Data = append([]byte(nil), v...)
		}
		return nil
	})
}

// Marshal encodes an EventReply to protobuf-compatible wire bytes.
func (m EventReply) Marshal() ([]byte, error) {
	buf := appendVarintField(nil, fieldVersion, uint64(m.Version))
	buf = appendVarintField(buf, fieldCode, uint64(int64(m.Code))) // int32 is sign-extended to 64 bits, as protobuf does
	buf = appendBytesField(buf, fieldMimetype, []byte(m.Mimetype))
	buf = appendBytesField(buf, fieldData, m.Data)
	return buf, nil
}

// Unmarshal decodes an EventReply from protobuf-compatible wire bytes.
func (m *EventReply) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldVersion:
			n, err := consumeVarintValue(v)
			if err != nil {
				return err
			}
			m.Version = uint32(n)
		case fieldCode:
			n, err := consumeVarintValue(v)
			if err != nil {
				return err
			}
			m.Code = int32(uint32(n))
		case fieldMimetype:
			m.Mimetype = string(v)
		case fieldData:
			m.Data = append([]byte(nil), v...)
		}
		return nil
	})
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		// proto3-style: the default value is never written on the wire.
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

// consumeFields walks every field in a length-delimited/varint message,
// invoking fn with the raw field value (the varint itself, or the inner
// bytes of a length-delimited field). Unknown field numbers are skipped,
// matching protobuf's forward-compatibility rule.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("message: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			_, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return fmt.Errorf("message: invalid varint: %w", protowire.ParseError(vn))
			}
			if err := fn(num, typ, b[:vn]); err != nil {
				return err
			}
			b = b[vn:]
		case protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return fmt.Errorf("message: invalid length-delimited field: %w", protowire.ParseError(vn))
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			b = b[vn:]
		default:
			vn := protowire.ConsumeFieldValue(num, typ, b)
			if vn < 0 {
				return fmt.Errorf("message: invalid field: %w", protowire.ParseError(vn))
			}
			b = b[vn:]
		}
	}
	return nil
}

func consumeVarintValue(raw []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return 0, fmt.Errorf("message: invalid varint value: %w", protowire.ParseError(n))
	}
	return v, nil
}
