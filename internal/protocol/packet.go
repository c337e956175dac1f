package protocol

import (
	"errors"
	"fmt"

	"github.com/Portalcake/Soldin/internal/wire"
)

// ErrMalformed marks frames whose size field cannot describe a valid packet.
// It is protocol-fatal: the connection carrying it must be torn down.
var ErrMalformed = errors.New("protocol: malformed frame")

// Packet is one message being built or consumed. Body holds only the
// payload; the header is produced by Marshal and stripped by Decode.
type Packet struct {
	Command uint16
	Body    *wire.Buffer
}

// New starts an outgoing packet for the given command.
func New(command uint16) *Packet {
	return &Packet{Command: command, Body: &wire.Buffer{}}
}

// Marshal renders the complete frame: size, type, command, payload.
func (p *Packet) Marshal() []byte {
	out := &wire.Buffer{}
	out.WriteUint16(uint16(HeaderSize + p.Body.Len()))
	out.WriteUint16(PacketType)
	out.WriteUint16(p.Command)
	out.WriteBytes(p.Body.Bytes())
	return out.Bytes()
}

// Decode parses a complete frame produced by Marshal. The frame length must
// match the embedded size field exactly.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d byte frame", ErrMalformed, len(frame))
	}
	b := wire.NewBuffer(frame)
	size, _ := b.ReadUint16()
	if int(size) != len(frame) {
		return nil, fmt.Errorf("%w: size field %d, frame %d", ErrMalformed, size, len(frame))
	}
	if _, err := b.ReadUint16(); err != nil {
		return nil, err
	}
	cmd, _ := b.ReadUint16()
	body, err := b.ReadBytes(len(frame) - HeaderSize)
	if err != nil {
		return nil, err
	}
	return &Packet{Command: cmd, Body: wire.NewBuffer(body)}, nil
}

// NextFrame extracts the first complete frame from an inbound stream buffer,
// or returns nil when no complete frame has arrived yet. A size field below
// the header size is unrecoverable and returns ErrMalformed.
func NextFrame(in *wire.Buffer) ([]byte, error) {
	if in.Len() < 2 {
		return nil, nil
	}
	head, err := in.Peek(0, 2)
	if err != nil {
		return nil, err
	}
	size := int(head[0]) | int(head[1])<<8
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: size field %d", ErrMalformed, size)
	}
	if in.Len() < size {
		return nil, nil
	}
	return in.PopFront(size)
}
