// Package netconn adapts net.Conn to the cooperative tick model: every
// operation is bounded by a short deadline so a single goroutine can poll
// hundreds of connections without blocking on any of them.
package netconn

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/Portalcake/Soldin/internal/buffer"
	"github.com/Portalcake/Soldin/internal/crypt"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/wire"
)

// ErrClosed reports that the peer closed the connection cleanly.
var ErrClosed = errors.New("netconn: connection closed by peer")

// pollTimeout bounds each socket operation during a tick.
const pollTimeout = time.Millisecond

// Conn owns one socket plus the cipher state and stream buffers for both
// directions. Outbound frames are encrypted when queued, so frames queued
// before EnableEncryption go out in the clear regardless of when the tick
// loop gets around to flushing them.
type Conn struct {
	sock      net.Conn
	inbound   *wire.Buffer
	outbound  *wire.Buffer
	enc       *crypt.Cipher
	dec       *crypt.Cipher
	connected bool
}

// Wrap takes ownership of an accepted socket.
func Wrap(sock net.Conn) *Conn {
	return &Conn{
		sock:      sock,
		inbound:   &wire.Buffer{},
		outbound:  &wire.Buffer{},
		enc:       crypt.New(),
		dec:       crypt.New(),
		connected: true,
	}
}

// Dial connects to addr and wraps the resulting socket. Used by square
// hosts for their control link to the gateway.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	sock, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return Wrap(sock), nil
}

// Connected reports whether the socket is still usable.
func (c *Conn) Connected() bool { return c.connected }

// RemoteAddr returns the peer address, or "closed" after teardown.
func (c *Conn) RemoteAddr() string {
	if c.sock == nil {
		return "closed"
	}
	return c.sock.RemoteAddr().String()
}

// EnableEncryption seeds both directions with the same key. Anything
// already sitting in the buffers stays as it was ciphered at entry.
func (c *Conn) EnableEncryption(key uint32) {
	c.enc.Enable(key)
	c.dec.Enable(key)
}

// Encrypted reports whether the stream cipher has been enabled.
func (c *Conn) Encrypted() bool { return c.enc.Enabled() }

// Inbound exposes the decrypted receive stream for frame extraction.
func (c *Conn) Inbound() *wire.Buffer { return c.inbound }

// PendingOut returns the number of bytes queued but not yet sent.
func (c *Conn) PendingOut() int { return c.outbound.Len() }

// Drain moves every byte currently available on the socket into the
// inbound buffer, decrypting as it goes. It returns the number of bytes
// moved; ErrClosed means the peer hung up, any other error is fatal to
// the connection.
func (c *Conn) Drain() (int, error) {
	if !c.connected {
		return 0, ErrClosed
	}
	chunk := buffer.Get()
	defer buffer.Put(chunk)

	total := 0
	for {
		if err := c.sock.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
			return total, err
		}
		n, err := c.sock.Read(chunk)
		if n > 0 {
			c.dec.Decrypt(chunk[:n])
			c.inbound.WriteBytes(chunk[:n])
			total += n
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return total, nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return total, ErrClosed
			}
			return total, err
		}
	}
}

// Queue encrypts and buffers an outgoing packet. Delivery happens on a
// later Flush; queueing never blocks and never fails.
func (c *Conn) Queue(p *protocol.Packet) {
	frame := p.Marshal()
	c.enc.Encrypt(frame)
	c.outbound.WriteBytes(frame)
}

// Flush pushes as much of the outbound buffer as the socket accepts
// right now. Unsent bytes remain queued for the next tick.
func (c *Conn) Flush() (int, error) {
	if !c.connected {
		return 0, ErrClosed
	}
	if c.outbound.Len() == 0 {
		return 0, nil
	}
	if err := c.sock.SetWriteDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, err
	}
	n, err := c.sock.Write(c.outbound.Bytes())
	if n > 0 {
		if _, perr := c.outbound.PopFront(n); perr != nil {
			return n, perr
		}
	}
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Close tears the socket down. Safe to call more than once.
func (c *Conn) Close() {
	if c.sock != nil && c.connected {
		c.sock.Close()
	}
	c.connected = false
}
