// Package packet implements the transport-level packet codec.
//
// A packet is a one-character type code followed by an optional payload:
//
//	[1 byte: type '0'..'6'][N bytes: payload]
//
// Binary payloads travel either as raw binary messages (on transports that
// support them) or as text prefixed with 'b' and base64 encoded.
//
// Decoding never fails: malformed input decodes to ErrorPacket so that a
// stream can report the error and stop without a panic.
package packet

import (
	"encoding/base64"
)

// Type is the kind of a transport-level packet.
type Type byte

const (
	Open Type = iota
	Close
	Ping
	Pong
	Message
	Upgrade
	Noop

	// Error is the sentinel kind produced by the decoder. It never goes on the wire.
	Error Type = 0xFF
)

// binaryPrefix marks a base64-encoded binary message in text form.
const binaryPrefix = 'b'

func (t Type) String() string {
	switch t {
	case Open:
		return "open"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Message:
		return "message"
	case Upgrade:
		return "upgrade"
	case Noop:
		return "noop"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a wire packet kind.
func (t Type) Valid() bool {
	return t <= Noop
}

// Packet is a transport-level packet. A nil Data means no payload.
// Binary marks Data as an opaque byte payload rather than text.
type Packet struct {
	Type   Type
	Data   []byte
	Binary bool

	// Compress is a hint for transports that support per-message compression.
	Compress bool
}

// ErrorPacket is returned for any input the decoder cannot parse.
var ErrorPacket = Packet{Type: Error, Data: []byte("parser error")}

// IsError reports whether p is the decoder's error sentinel.
func (p Packet) IsError() bool {
	return p.Type == Error
}

// Encode returns the wire form of p. When binary is true the returned bytes
// must be sent as a binary message; otherwise they are UTF-8 text.
//
// Binary payloads are passed through untouched when supportsBinary is true,
// and base64 encoded behind a 'b' prefix otherwise.
func Encode(p Packet, supportsBinary bool) (data []byte, binary bool) {
	if p.Binary {
		if supportsBinary {
			return p.Data, true
		}
		out := make([]byte, 1+base64.StdEncoding.EncodedLen(len(p.Data)))
		out[0] = binaryPrefix
		base64.StdEncoding.Encode(out[1:], p.Data)
		return out, false
	}

	out := make([]byte, 1+len(p.Data))
	out[0] = '0' + byte(p.Type)
	copy(out[1:], p.Data)
	return out, false
}

// Decode parses one wire unit. Binary units are always message payloads.
// The returned packet's Data references data for text packets - do not modify it.
func Decode(data []byte, binary bool) Packet {
	if binary {
		return Packet{Type: Message, Data: data, Binary: true}
	}
	if len(data) == 0 {
		return ErrorPacket
	}

	if data[0] == binaryPrefix {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)-1))
		n, err := base64.StdEncoding.Decode(decoded, data[1:])
		if err != nil {
			return ErrorPacket
		}
		return Packet{Type: Message, Data: decoded[:n], Binary: true}
	}

	t := Type(data[0] - '0')
	if data[0] < '0' || !t.Valid() {
		return ErrorPacket
	}
	if len(data) == 1 {
		return Packet{Type: t}
	}
	return Packet{Type: t, Data: data[1:]}
}

// EncodedLen estimates the number of bytes p occupies in a text payload.
// Text is counted as UTF-8 bytes; binary data is scaled for base64 expansion.
func EncodedLen(p Packet) int {
	if p.Data == nil {
		return 0
	}
	if p.Binary {
		return (len(p.Data)*133 + 99) / 100
	}
	return len(p.Data)
}
