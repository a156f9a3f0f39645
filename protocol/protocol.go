// Package protocol implements the fixed 10-byte frame header that wraps
// every message exchanged over a restpipe connection.
//
// It solves the same sticky-packet problem as any length-prefixed TCP
// protocol: the receiver reads the header first, learns the payload
// length, then reads exactly that many bytes.
//
// Frame format (network byte order):
//
//	offset  size  field
//	  0      1    message_type   (uint8)
//	  1      1    flags          (uint8; bit0 = IS_REPLY)
//	  2      4    payload_length (uint32)
//	  6      4    correlation_id (uint32)
//	 10      N    payload bytes
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
)

// HeaderSize is the fixed size, in bytes, of every frame header.
const HeaderSize = 10

// MessageType identifies the payload schema carried by a frame.
type MessageType uint8

// Message types fixed by this release. The high bit marks a reply kind;
// this is redundant with Flags' IS_REPLY bit and is kept only as a
// readability convention for anyone staring at a hex dump.
const (
	MsgHeartbeat      MessageType = 0x01
	MsgEvent          MessageType = 0x02
	MsgHeartbeatReply MessageType = 0x80
	MsgEventReply     MessageType = 0x81
)

// Flags carries per-frame bits. FlagIsReply is the only one defined today.
type Flags uint8

// FlagIsReply marks a frame as the reply half of a request/reply pair.
const FlagIsReply Flags = 0x01

// Header is the parsed form of a frame's fixed 10-byte preamble.
type Header struct {
	Type          MessageType
	Flags         Flags
	PayloadLength uint32
	CorrelationID uint32
}

// IsReply reports whether either the flag bit or the message type's high
// bit marks this as a reply. Decoders accept either convention; Encode
// always emits both.
func (h Header) IsReply() bool {
	return h.Flags&FlagIsReply != 0 || h.Type&0x80 != 0
}

// ErrMalformed marks a frame whose payload does not decode under the
// schema its message type declares. The header codec in this package
// never returns it (every header byte pattern decodes); the message loop
// returns it when a HEARTBEAT or EVENT payload fails to unmarshal.
var ErrMalformed = errors.New("protocol: malformed frame")

// minCorrelationID and the implicit upper bound of 1<<32 give correlation
// IDs a fixed 10-digit decimal width in logs, per the data model's
// boundary behavior.
const minCorrelationID = 1_000_000_000

// NewCorrelationID draws a correlation ID uniformly from [1e9, 2^32).
// Correlation IDs are a multiplexing key, not a security boundary (the
// mutual-TLS handshake is), so math/rand/v2 is sufficient.
func NewCorrelationID() uint32 {
	return minCorrelationID + rand.Uint32N(uint32(1<<32-minCorrelationID))
}

// EncodeHeader renders h to its fixed HeaderSize-byte wire form, with
// payloadLen substituted for the payload's length. Pure: it performs no
// I/O, so callers that own their own read/write primitives (transport.Conn,
// for one) can use it without going through an io.Writer.
func EncodeHeader(h Header, payloadLen int) []byte {
	buf := make([]byte, HeaderSize)

	buf[0] = byte(h.Type)
	flags := h.Flags
	if h.Type&0x80 != 0 {
		flags |= FlagIsReply
	}
	buf[1] = byte(flags)
	binary.BigEndian.PutUint32(buf[2:6], uint32(payloadLen))
	binary.BigEndian.PutUint32(buf[6:10], h.CorrelationID)
	return buf
}

// DecodeHeader parses exactly HeaderSize bytes of wire-format header.
// Any byte pattern decodes cleanly — an unrecognized message_type is not
// a framing error. Dispatch on unknown types is the message loop's job
// (it decides whether to log-and-continue or hang up). buf must be
// HeaderSize bytes long.
func DecodeHeader(buf []byte) Header {
	return Header{
		Type:          MessageType(buf[0]),
		Flags:         Flags(buf[1]),
		PayloadLength: binary.BigEndian.Uint32(buf[2:6]),
		CorrelationID: binary.BigEndian.Uint32(buf[6:10]),
	}
}

// Encode writes a complete frame (header + payload) to w. The caller must
// serialize concurrent writers itself; interleaved writes from different
// goroutines sharing one writer corrupt the stream.
func Encode(w io.Writer, h Header, payload []byte) error {
	buf := EncodeHeader(h, len(payload))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads one complete frame from r using io.ReadFull, so an EOF at
// any byte offset inside the header or payload surfaces as io.EOF /
// io.ErrUnexpectedEOF to the caller rather than as ErrMalformed — that
// distinction (CLOSED vs MALFORMED) is the transport layer's to make.
func Decode(r io.Reader) (Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}
	h := DecodeHeader(headerBuf)

	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, err
		}
	}

	return h, payload, nil
}
