package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType is the kind of request the kernel writes to the pipe.
type PacketType int32

const (
	PacketMissing     PacketType = 0
	PacketExpire      PacketType = 1
	PacketExpireMulti PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case PacketMissing:
		return "missing"
	case PacketExpire:
		return "expire"
	case PacketExpireMulti:
		return "expire-multi"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// NameMax is the longest name a packet can carry.
const NameMax = 255

const (
	// PacketSize is the size of the largest packet; every read takes this
	// many bytes.
	PacketSize = 16 + NameMax + 1
	// expirePacketSize is the legacy expire record returned by the expire
	// control call.
	expirePacketSize = 12 + NameMax + 1
)

// Packet is one decoded kernel request.
type Packet struct {
	Proto int32
	Type  PacketType
	// Token is the wait queue token to acknowledge; legacy expire packets
	// carry none.
	Token uint32
	Name  string
}

func (p Packet) String() string {
	return fmt.Sprintf("%s token=%d name=%q", p.Type, p.Token, p.Name)
}

var order = binary.NativeEndian

func cstring(b []byte, n uint32) string {
	if int(n) > len(b) {
		n = uint32(len(b))
	}
	b = b[:n]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// DecodePacket parses a packet read from the kernel pipe.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < 12 {
		return Packet{}, fmt.Errorf("short packet: %d bytes", len(b))
	}
	p := Packet{
		Proto: int32(order.Uint32(b[0:])),
		Type:  PacketType(order.Uint32(b[4:])),
	}

	switch p.Type {
	case PacketMissing, PacketExpireMulti:
		if len(b) < 16 {
			return p, fmt.Errorf("short %s packet: %d bytes", p.Type, len(b))
		}
		p.Token = order.Uint32(b[8:])
		p.Name = cstring(b[16:], order.Uint32(b[12:]))
	case PacketExpire:
		p.Name = cstring(b[12:], order.Uint32(b[8:]))
	default:
		return p, fmt.Errorf("unknown packet type %d", int32(p.Type))
	}
	return p, nil
}

// Encode lays the packet out the way the kernel writes it.
func (p Packet) Encode() []byte {
	b := make([]byte, PacketSize)
	order.PutUint32(b[0:], uint32(p.Proto))
	order.PutUint32(b[4:], uint32(p.Type))

	name := p.Name
	if len(name) > NameMax {
		name = name[:NameMax]
	}
	if p.Type == PacketExpire {
		order.PutUint32(b[8:], uint32(len(name)))
		copy(b[12:], name)
		return b
	}
	order.PutUint32(b[8:], p.Token)
	order.PutUint32(b[12:], uint32(len(name)))
	copy(b[16:], name)
	return b
}

// ReadPacket reads and decodes one packet. A closed pipe yields io.EOF.
func ReadPacket(r io.Reader) (Packet, error) {
	buf := make([]byte, PacketSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Packet{}, io.EOF
		}
		return Packet{}, err
	}
	return DecodePacket(buf)
}
