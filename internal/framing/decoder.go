package framing

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/luciancaetano/kephasio/internal/packet"
)

type decodeState int

const (
	stateReadHeader decodeState = iota
	stateReadLength16
	stateReadLength64
	stateReadPayload
)

// Decoder reassembles framed packets from arbitrarily split byte chunks.
//
// A zero length, a length above the configured maximum, or an oversized
// 64-bit length terminates the stream: the decoder emits packet.ErrorPacket
// once and ignores all further input.
type Decoder struct {
	maxPayload uint64

	chunks   [][]byte
	buffered int

	state    decodeState
	expected uint64
	isBinary bool
	failed   bool
}

// NewDecoder returns a Decoder that rejects payloads larger than maxPayload bytes.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = Unlimited
	}
	return &Decoder{maxPayload: uint64(maxPayload)}
}

// Failed reports whether the stream was terminated by a framing error.
func (d *Decoder) Failed() bool {
	return d.failed
}

// Write feeds a chunk to the decoder and returns every packet it completes.
// The chunk is copied; the caller may reuse it.
func (d *Decoder) Write(chunk []byte) []packet.Packet {
	if d.failed {
		return nil
	}
	if len(chunk) > 0 {
		d.chunks = append(d.chunks, append([]byte(nil), chunk...))
		d.buffered += len(chunk)
	}

	var out []packet.Packet
	for {
		switch d.state {
		case stateReadHeader:
			if d.buffered < 1 {
				return out
			}
			h := d.take(1)[0]
			d.isBinary = h&binaryFlag == binaryFlag
			n := h & lengthMask
			switch {
			case n < marker16:
				if !d.setLength(uint64(n)) {
					return append(out, d.fail())
				}
			case n == marker16:
				d.state = stateReadLength16
			default:
				d.state = stateReadLength64
			}

		case stateReadLength16:
			if d.buffered < 2 {
				return out
			}
			if !d.setLength(uint64(binary.BigEndian.Uint16(d.take(2)))) {
				return append(out, d.fail())
			}

		case stateReadLength64:
			if d.buffered < 8 {
				return out
			}
			b := d.take(8)
			if binary.BigEndian.Uint32(b[:4]) > maxHighWord {
				return append(out, d.fail())
			}
			if !d.setLength(binary.BigEndian.Uint64(b)) {
				return append(out, d.fail())
			}

		case stateReadPayload:
			if uint64(d.buffered) < d.expected {
				return out
			}
			data := d.take(int(d.expected))
			out = append(out, packet.Decode(data, d.isBinary))
			d.state = stateReadHeader
		}
	}
}

func (d *Decoder) setLength(n uint64) bool {
	if n == 0 || n > d.maxPayload {
		return false
	}
	d.expected = n
	d.state = stateReadPayload
	return true
}

func (d *Decoder) fail() packet.Packet {
	d.failed = true
	d.chunks = nil
	d.buffered = 0
	return packet.ErrorPacket
}

// take removes exactly n buffered bytes, joining chunks when a field spans them.
func (d *Decoder) take(n int) []byte {
	d.buffered -= n
	if len(d.chunks[0]) == n {
		b := d.chunks[0]
		d.chunks = d.chunks[1:]
		return b
	}
	if len(d.chunks[0]) > n {
		b := d.chunks[0][:n:n]
		d.chunks[0] = d.chunks[0][n:]
		return b
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		need := n - len(out)
		head := d.chunks[0]
		if len(head) <= need {
			out = append(out, head...)
			d.chunks = d.chunks[1:]
			continue
		}
		out = append(out, head[:need]...)
		d.chunks[0] = head[need:]
	}
	return out
}

// ReadPackets reads framed packets from r until it is exhausted, fn returns
// false, or a framing error occurs. A framing error is delivered to fn as
// packet.ErrorPacket. A clean end of stream returns nil.
func ReadPackets(r io.Reader, maxPayload int, fn func(packet.Packet) bool) error {
	d := NewDecoder(maxPayload)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, p := range d.Write(buf[:n]) {
				if !fn(p) || p.IsError() {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
