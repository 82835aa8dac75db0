// Package parser implements the session packet protocol layered on top of
// transport messages: namespace connect/disconnect, events, acknowledgements
// and binary attachments.
//
// Text form:
//
//	<type>[<attachments>-][<namespace>,][<ack id>][<JSON data>]
//
// A packet whose data contains binary values is sent as its binary variant:
// the text header above, with every binary value replaced by a placeholder,
// followed by one binary message per attachment.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/luciancaetano/kephasio"
)

// Type is the kind of a session packet.
type Type byte

const (
	Connect Type = iota
	Disconnect
	Event
	Ack
	ConnectError
	BinaryEvent
	BinaryAck
)

func (t Type) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Event:
		return "EVENT"
	case Ack:
		return "ACK"
	case ConnectError:
		return "CONNECT_ERROR"
	case BinaryEvent:
		return "BINARY_EVENT"
	case BinaryAck:
		return "BINARY_ACK"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	return t <= BinaryAck
}

// IsBinary reports whether t carries binary attachments.
func (t Type) IsBinary() bool {
	return t == BinaryEvent || t == BinaryAck
}

// DefaultNamespace is the namespace used when a packet names none.
const DefaultNamespace = "/"

// Packet is a session-level packet.
type Packet struct {
	Type      Type
	Namespace string
	// ID correlates an event with its acknowledgement. Nil means no ack.
	ID *uint64
	// Data is a JSON-compatible value: nil, bool, float64, string, []any,
	// map[string]any, []byte (binary), or a Valuer.
	Data any
	// Attachments is the number of binary attachments of a binary packet.
	Attachments int
}

// Errors returned by the decoder. A decode error means the stream is corrupt.
var (
	ErrUnknownType        = errors.New("parser: unknown packet type")
	ErrIllegalAttachments = errors.New("parser: illegal attachments")
	ErrInvalidPayload     = errors.New("parser: invalid payload")
	ErrUnexpectedText     = errors.New("parser: got plaintext data when reconstructing a packet")
	ErrUnexpectedBinary   = errors.New("parser: got binary data when not reconstructing a packet")
)

// Encoder turns session packets into transport messages.
type Encoder struct{}

// Encode returns the messages for p. The first element is always the text
// message; any further elements are binary attachments, in placeholder order.
// p is not modified.
func (e *Encoder) Encode(p *Packet) ([][]byte, error) {
	if (p.Type == Event || p.Type == Ack) && HasBinary(p.Data) {
		data, buffers, err := Deconstruct(p.Data)
		if err != nil {
			return nil, err
		}

		bp := *p
		bp.Data = data
		bp.Attachments = len(buffers)
		if p.Type == Event {
			bp.Type = BinaryEvent
		} else {
			bp.Type = BinaryAck
		}

		header, err := e.encodeAsString(&bp)
		if err != nil {
			return nil, err
		}
		return append([][]byte{header}, buffers...), nil
	}

	header, err := e.encodeAsString(p)
	if err != nil {
		return nil, err
	}
	return [][]byte{header}, nil
}

func (e *Encoder) encodeAsString(p *Packet) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('0' + byte(p.Type))

	if p.Type.IsBinary() {
		buf.WriteString(strconv.Itoa(p.Attachments))
		buf.WriteByte('-')
	}
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.ID != nil {
		buf.WriteString(strconv.FormatUint(*p.ID, 10))
	}
	if p.Data != nil {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(p.Data); err != nil {
			return nil, fmt.Errorf("parser: encode data: %w", err)
		}
		// json.Encoder terminates every value with a newline
		buf.Truncate(buf.Len() - 1)
	}
	return buf.Bytes(), nil
}

// Decoder reassembles session packets from transport messages. It is
// stateful: a binary packet header starts attachment collection, and the
// packet is only returned once every attachment arrived.
type Decoder struct {
	pending *Packet
	buffers [][]byte
}

// Add feeds one transport message to the decoder. It returns the completed
// packet, or nil if more attachments are expected.
//
// Binary packets are returned with their type normalized to Event or Ack.
func (d *Decoder) Add(data []byte, binary bool) (*Packet, error) {
	if binary {
		if d.pending == nil {
			return nil, ErrUnexpectedBinary
		}
		d.buffers = append(d.buffers, data)
		if len(d.buffers) < d.pending.Attachments {
			return nil, nil
		}

		p := d.pending
		buffers := d.buffers
		d.Reset()

		reconstructed, err := Reconstruct(p.Data, buffers)
		if err != nil {
			return nil, err
		}
		p.Data = reconstructed
		return p, nil
	}

	if d.pending != nil {
		return nil, ErrUnexpectedText
	}

	p, err := decodeString(data)
	if err != nil {
		return nil, err
	}
	if p.Type.IsBinary() {
		if p.Type == BinaryEvent {
			p.Type = Event
		} else {
			p.Type = Ack
		}
		if p.Attachments > 0 {
			d.pending = p
			return nil, nil
		}
	}
	return p, nil
}

// Pending reports whether the decoder is waiting for attachments.
func (d *Decoder) Pending() bool {
	return d.pending != nil
}

// Reset drops any partially reconstructed packet.
func (d *Decoder) Reset() {
	d.pending = nil
	d.buffers = nil
}

func decodeString(s []byte) (*Packet, error) {
	if len(s) == 0 {
		return nil, ErrUnknownType
	}

	p := &Packet{Type: Type(s[0] - '0')}
	if s[0] < '0' || !p.Type.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, s[0])
	}
	i := 1

	if p.Type.IsBinary() {
		dash := bytes.IndexByte(s[i:], '-')
		if dash < 0 {
			return nil, ErrIllegalAttachments
		}
		n, err := strconv.Atoi(string(s[i : i+dash]))
		if err != nil || n < 0 {
			return nil, ErrIllegalAttachments
		}
		p.Attachments = n
		i += dash + 1
	}

	p.Namespace = DefaultNamespace
	if i < len(s) && s[i] == '/' {
		end := bytes.IndexByte(s[i:], ',')
		if end < 0 {
			p.Namespace = string(s[i:])
			i = len(s)
		} else {
			p.Namespace = string(s[i : i+end])
			i += end + 1
		}
	}

	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.ParseUint(string(s[start:i]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ack id: %v", ErrInvalidPayload, err)
		}
		p.ID = &id
	}

	if i < len(s) {
		var data any
		if err := json.Unmarshal(s[i:], &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if !isPayloadValid(p.Type, data) {
			return nil, ErrInvalidPayload
		}
		p.Data = data
	} else if !isPayloadValid(p.Type, nil) {
		return nil, ErrInvalidPayload
	}
	return p, nil
}

func isPayloadValid(t Type, data any) bool {
	switch t {
	case Connect:
		// the server answers with an object; a bare connect is a client packet
		if data == nil {
			return true
		}
		_, ok := data.(map[string]any)
		return ok
	case Disconnect:
		return data == nil
	case ConnectError:
		switch data.(type) {
		case string, map[string]any:
			return true
		}
		return false
	case Event, BinaryEvent:
		args, ok := data.([]any)
		if !ok || len(args) == 0 {
			return false
		}
		switch name := args[0].(type) {
		case float64:
			return true
		case string:
			return !kephasio.IsReserved(name)
		}
		return false
	case Ack, BinaryAck:
		_, ok := data.([]any)
		return ok
	}
	return false
}
