package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Serialized layout, little-endian:
//
//	magic   [4]byte "IBVX"
//	version uint32
//	dim     uint32
//	count   uint64
//	data    count*dim float32
const (
	codecMagic   = "IBVX"
	codecVersion = 1
	headerSize   = 4 + 4 + 4 + 8
)

// MarshalBinary encodes the index so that UnmarshalBinary reproduces
// identical search results.
func (x *Index) MarshalBinary() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	count := len(x.data) / x.dim
	buf := make([]byte, headerSize+len(x.data)*4)
	copy(buf[0:4], codecMagic)
	binary.LittleEndian.PutUint32(buf[4:8], codecVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(x.dim))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(count))

	off := headerSize
	for _, f := range x.data {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
		off += 4
	}
	return buf, nil
}

// UnmarshalBinary replaces the index contents with the decoded blob. The
// index dimension is taken from the blob.
func (x *Index) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptIndex, len(b))
	}
	if string(b[0:4]) != codecMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, b[0:4])
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != codecVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, v)
	}
	dim := int(binary.LittleEndian.Uint32(b[8:12]))
	count := binary.LittleEndian.Uint64(b[12:20])
	if dim <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrCorruptIndex, dim)
	}

	payload := b[headerSize:]
	if len(payload)%4 != 0 || uint64(len(payload)/4) != count*uint64(dim) {
		return fmt.Errorf("%w: payload of %d bytes does not hold %d vectors of dimension %d",
			ErrCorruptIndex, len(payload), count, dim)
	}

	data := make([]float32, len(payload)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.dim = dim
	x.data = data
	return nil
}
