// Package crypt implements the table-driven substitution stream cipher used
// on every client connection. Both peers derive the same 256x256 substitution
// tables at startup; per-connection state is only the running 32-bit key, so
// two peers seeded with the same key stay in lockstep as long as they cipher
// the same number of bytes in each direction.
package crypt

import (
	"math/rand"
	"sync"
)

var (
	tableOnce    sync.Once
	tableEncrypt [256][256]byte
	tableDecrypt [256][256]byte
)

func buildTables() {
	for i := 0; i < 256; i++ {
		t1 := byte(i*0x49) ^ 0x15
		t2 := byte(uint32(t1)*0x49) ^ 0x15
		for j := 0; j < 256; j++ {
			val := ((byte(j*0x49) ^ 0x15) + t2) ^ 0x14
			tableEncrypt[t1][j] = val
			tableDecrypt[t1][val] = byte(j)
		}
	}
}

// Cipher holds the running key for one direction of one connection.
// The zero value is unusable; obtain instances from New.
type Cipher struct {
	key     uint32
	enabled bool
}

// New returns a cipher in the disabled state. Until Enable is called,
// Encrypt and Decrypt pass data through untouched.
func New() *Cipher {
	tableOnce.Do(buildTables)
	return &Cipher{}
}

// Enable seeds the running key and switches ciphering on. Called once per
// connection after the key has been exchanged in the clear.
func (c *Cipher) Enable(key uint32) {
	c.key = key
	c.enabled = true
}

// Enabled reports whether the stream is being ciphered.
func (c *Cipher) Enabled() bool { return c.enabled }

// advance consumes one key position and returns the substitution row for it.
// The row mixes all four key bytes; the low byte is taken before the
// increment, the high bytes after, matching the client exactly.
func (c *Cipher) advance() byte {
	offset := byte(c.key) + 4
	c.key++
	for j := uint(1); j < 4; j++ {
		offset += byte(((c.key>>(j*8))&0xFF)*0x49) ^ 0x15
	}
	return offset
}

// Encrypt ciphers data in place.
func (c *Cipher) Encrypt(data []byte) {
	if !c.enabled {
		return
	}
	for i := range data {
		data[i] = tableEncrypt[c.advance()][data[i]]
	}
}

// Decrypt deciphers data in place.
func (c *Cipher) Decrypt(data []byte) {
	if !c.enabled {
		return
	}
	for i := range data {
		data[i] = tableDecrypt[c.advance()][data[i]]
	}
}

// GenerateKey produces a fresh 32-bit seed from four random bytes.
func GenerateKey() uint32 {
	return uint32(rand.Intn(0xFF))<<24 |
		uint32(rand.Intn(0xFF))<<16 |
		uint32(rand.Intn(0xFF))<<8 |
		uint32(rand.Intn(0xFF))
}
