package packet

import "bytes"

// Separator delimits packets concatenated into one long-polling payload.
const Separator byte = 0x1e

// EncodePayload concatenates packets for an HTTP long-polling request body.
// Binary payloads are always base64 encoded since the body is text.
func EncodePayload(packets []Packet) []byte {
	var buf bytes.Buffer
	for i, p := range packets {
		if i > 0 {
			buf.WriteByte(Separator)
		}
		data, _ := Encode(p, false)
		buf.Write(data)
	}
	return buf.Bytes()
}

// DecodePayload splits a long-polling response body into packets.
// Decoding stops at the first malformed packet, which is returned as the
// last element (ErrorPacket).
func DecodePayload(data []byte) []Packet {
	parts := bytes.Split(data, []byte{Separator})
	packets := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p := Decode(part, false)
		packets = append(packets, p)
		if p.IsError() {
			break
		}
	}
	return packets
}
