// Package framing adds length-prefixed framing to transport packets for
// streaming transports that have no message boundaries.
//
// Wire format (1, 3 or 9 header bytes + payload):
//
//	┌───┬──────────────┬──────────────────────────────────────┐
//	│ B │ Length (7b)  │ Extended length (0, 2 or 8 bytes BE) │
//	└───┴──────────────┴──────────────────────────────────────┘
//	│  Payload (Length bytes)                                  │
//	└──────────────────────────────────────────────────────────┘
//
// B is set when the payload is binary. A 7-bit length below 126 is the
// payload length; 126 means a 16-bit length follows, 127 a 64-bit length.
package framing

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/luciancaetano/kephasio/internal/packet"
)

const (
	binaryFlag = 0x80
	lengthMask = 0x7F

	marker16 = 126
	marker64 = 127

	// maxHighWord bounds the upper 32 bits of a 64-bit length so the total
	// stays within 2^53-1, the largest length peers are required to handle.
	maxHighWord = 1<<21 - 1
)

// Unlimited disables the decoder's payload size check.
const Unlimited = math.MaxInt64

// Header returns the frame header for a payload of length n.
func Header(n int, isBinary bool) []byte {
	var h []byte
	switch {
	case n < marker16:
		h = []byte{byte(n)}
	case n < 1<<16:
		h = make([]byte, 3)
		h[0] = marker16
		binary.BigEndian.PutUint16(h[1:], uint16(n))
	default:
		h = make([]byte, 9)
		h[0] = marker64
		binary.BigEndian.PutUint64(h[1:], uint64(n))
	}
	if isBinary {
		h[0] |= binaryFlag
	}
	return h
}

// Encode returns the framed form of p: header followed by payload.
// Binary payloads are carried raw; everything else uses the text packet encoding.
func Encode(p packet.Packet) []byte {
	var payload []byte
	if p.Binary {
		payload = p.Data
	} else {
		payload, _ = packet.Encode(p, false)
	}

	h := Header(len(payload), p.Binary)
	out := make([]byte, 0, len(h)+len(payload))
	out = append(out, h...)
	return append(out, payload...)
}

// Writer frames packets onto an underlying byte stream.
// It is safe for concurrent use; each frame is written with a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer that frames packets onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket writes one framed packet.
func (w *Writer) WritePacket(p packet.Packet) error {
	frame := Encode(p)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(frame)
	return err
}
