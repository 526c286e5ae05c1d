// Package wtl encodes and decodes the type-language wire objects
// shared by every layer of wren.
//
// Integers are little-endian and fixed width.
// Byte strings carry a 1-byte or 4-byte length prefix
// and are zero-padded to a multiple of four bytes.
// Boxed objects are prefixed with a 32-bit constructor ID,
// which is the CRC32 (IEEE) of the object's scheme line.
package wtl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// ID is a boxed constructor identifier.
type ID uint32

// SchemeID returns the constructor ID for the given scheme line,
// e.g. "tonNode.getCapabilities = tonNode.Capabilities".
//
// A trailing semicolon and surrounding whitespace are ignored.
func SchemeID(scheme string) ID {
	scheme = strings.TrimSpace(scheme)
	scheme = strings.TrimSuffix(scheme, ";")
	scheme = strings.TrimSpace(scheme)
	return ID(crc32.ChecksumIEEE([]byte(scheme)))
}

func (id ID) String() string {
	return fmt.Sprintf("#%08x", uint32(id))
}

// Largest byte string that fits the 3-byte long-form length.
const maxBytesLen = 1<<24 - 1

// AppendID appends the 4-byte constructor ID.
func AppendID(dst []byte, id ID) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(id))
}

func AppendUint32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func AppendInt32(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

func AppendUint64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

func AppendInt64(dst []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(v))
}

func AppendInt128(dst []byte, v [16]byte) []byte {
	return append(dst, v[:]...)
}

// AppendInt256 appends a raw 32-byte value with no length prefix.
func AppendInt256(dst []byte, v [32]byte) []byte {
	return append(dst, v[:]...)
}

// AppendBytes appends b as a length-prefixed, padded byte string.
//
// AppendBytes panics if b is longer than the format can express.
func AppendBytes(dst, b []byte) []byte {
	if len(b) > maxBytesLen {
		panic(fmt.Errorf(
			"ILLEGAL: byte string must be <= %d bytes (got %d)", maxBytesLen, len(b),
		))
	}

	var hdr int
	if len(b) < 254 {
		dst = append(dst, byte(len(b)))
		hdr = 1
	} else {
		dst = append(dst, 0xfe, byte(len(b)), byte(len(b)>>8), byte(len(b)>>16))
		hdr = 4
	}
	dst = append(dst, b...)

	for pad := (hdr + len(b)) % 4; pad != 0 && pad < 4; pad++ {
		dst = append(dst, 0)
	}
	return dst
}

// BytesSize returns the encoded size of a byte string of length n.
func BytesSize(n int) int {
	hdr := 1
	if n >= 254 {
		hdr = 4
	}
	sz := hdr + n
	if r := sz % 4; r != 0 {
		sz += 4 - r
	}
	return sz
}

// ErrShortBuffer is reported when a Reader runs out of input.
var ErrShortBuffer = errors.New("short buffer")

// UnexpectedIDError is reported when a boxed object
// starts with a different constructor than the caller expected.
type UnexpectedIDError struct {
	Want, Got ID
}

func (e UnexpectedIDError) Error() string {
	return fmt.Sprintf("unexpected constructor: want %s, got %s", e.Want, e.Got)
}

// Reader decodes values from a byte slice.
//
// The first failure is sticky:
// every later call returns a zero value,
// and Err reports the original failure.
// Byte slices returned by Reader alias the input.
type Reader struct {
	b   []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first error encountered while reading.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.b) - r.off }

// Rest returns the unread bytes and consumes them.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	out := r.b[r.off:]
	r.off = len(r.b)
	return out
}

// Finish returns Err, or an error if unread bytes remain.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if n := r.Len(); n != 0 {
		return fmt.Errorf("%d trailing bytes after object", n)
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Len() < n {
		r.err = ErrShortBuffer
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *Reader) ID() ID {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return ID(binary.LittleEndian.Uint32(b))
}

// Expect reads a constructor ID and records an [UnexpectedIDError]
// if it does not match want.
func (r *Reader) Expect(want ID) bool {
	got := r.ID()
	if r.err != nil {
		return false
	}
	if got != want {
		r.err = UnexpectedIDError{Want: want, Got: got}
		return false
	}
	return true
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) Int128() (out [16]byte) {
	b := r.take(16)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

// Fail records err as the reader's error unless one is already set.
// Decoders use it to reject well-formed but invalid values.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Int256() (out [32]byte) {
	b := r.take(32)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

// Bytes reads a length-prefixed byte string.
func (r *Reader) Bytes() []byte {
	first := r.take(1)
	if first == nil {
		return nil
	}

	n, hdr := int(first[0]), 1
	switch {
	case n == 0xfe:
		l := r.take(3)
		if l == nil {
			return nil
		}
		n = int(l[0]) | int(l[1])<<8 | int(l[2])<<16
		hdr = 4
	case n == 0xff:
		r.err = errors.New("invalid byte string length prefix 0xff")
		return nil
	}

	out := r.take(n)
	if out == nil {
		return nil
	}
	if pad := (hdr + n) % 4; pad != 0 {
		if r.take(4-pad) == nil {
			return nil
		}
	}
	return out
}

// VectorLen reads a vector length and rejects lengths above max,
// so a hostile length cannot drive a large allocation.
func (r *Reader) VectorLen(max int) int {
	n := r.Uint32()
	if r.err != nil {
		return 0
	}
	if int64(n) > int64(max) {
		r.err = fmt.Errorf("vector length %d exceeds limit %d", n, max)
		return 0
	}
	return int(n)
}

// PeekID returns the constructor ID at the start of b without consuming it.
// The second result is false if b is shorter than four bytes.
func PeekID(b []byte) (ID, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return ID(binary.LittleEndian.Uint32(b)), true
}
