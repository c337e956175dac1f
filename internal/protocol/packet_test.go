package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Portalcake/Soldin/internal/wire"
)

func TestPacketMarshalLayout(t *testing.T) {
	p := New(MsgPing)
	p.Body.WriteUint32(0xCAFEBABE)
	frame := p.Marshal()

	want := []byte{
		0x0A, 0x00, // size: 6 header + 4 payload
		0xE0, 0x55, // packet type
		0x2F, 0x48, // command
		0xBE, 0xBA, 0xFE, 0xCA,
	}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % x, want % x", frame, want)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	p := New(MsgLogin)
	p.Body.WriteString("user")
	p.Body.WriteString("pass")

	got, err := Decode(p.Marshal())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Command != MsgLogin {
		t.Errorf("command = %#x, want %#x", got.Command, MsgLogin)
	}
	if s, _ := got.Body.ReadString(); s != "user" {
		t.Errorf("first string = %q", s)
	}
	if s, _ := got.Body.ReadString(); s != "pass" {
		t.Errorf("second string = %q", s)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"short", []byte{0x06, 0x00, 0xE0}},
		{"size mismatch", []byte{0x20, 0x00, 0xE0, 0x55, 0x2F, 0x48}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frame); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestNextFrame(t *testing.T) {
	first := New(MsgPing).Marshal()
	second := New(MsgDisconnect).Marshal()

	in := &wire.Buffer{}
	in.WriteBytes(first)
	in.WriteBytes(second[:3]) // partial trailer

	frame, err := NextFrame(in)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if !bytes.Equal(frame, first) {
		t.Errorf("frame = % x, want % x", frame, first)
	}

	// The partial packet stays buffered until the rest arrives.
	if frame, _ := NextFrame(in); frame != nil {
		t.Fatalf("got frame from partial data: % x", frame)
	}
	in.WriteBytes(second[3:])
	frame, err = NextFrame(in)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if !bytes.Equal(frame, second) {
		t.Errorf("frame = % x, want % x", frame, second)
	}
	if in.Len() != 0 {
		t.Errorf("%d bytes left over", in.Len())
	}
}

func TestNextFrameMalformedSize(t *testing.T) {
	in := wire.NewBuffer([]byte{0x03, 0x00, 0xE0, 0x55})
	if _, err := NextFrame(in); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestNextFrameNeedsSizeField(t *testing.T) {
	in := wire.NewBuffer([]byte{0x0A})
	frame, err := NextFrame(in)
	if frame != nil || err != nil {
		t.Errorf("got %v, %v for single buffered byte", frame, err)
	}
}
