package buffer

import "sync"

// ChunkSize is the read chunk used when draining sockets. One chunk is
// larger than any single packet the protocol allows (u16 size field).
const ChunkSize = 8192

// Pool provides a pool of byte buffers for reuse
var Pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, ChunkSize)
	},
}

// Get retrieves a buffer from the pool
func Get() []byte {
	return Pool.Get().([]byte)
}

// Put returns a buffer to the pool
// The buffer should be reset before being put back
func Put(buf []byte) {
	if cap(buf) >= ChunkSize {
		Pool.Put(buf[:cap(buf)])
	}
}
