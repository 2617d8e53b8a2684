package simcache

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 content hash in bytes.
const HashSize = 32

// Hash is a BLAKE3 256-bit content digest, used to record provenance for
// downloaded objects and persisted simulation artifacts.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for log output.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether the hash is uninitialized.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashingWriter wraps a writer and computes the content hash of everything
// written through it. Used while streaming downloads to disk so the hash is
// available without a second pass over the file.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that hashes as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: blake3.New()}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var hash Hash
	hw.h.Sum(hash[:0])
	return hash
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
