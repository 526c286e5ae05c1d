package wtl

import "fmt"

var (
	GetCapabilitiesID = SchemeID("tonNode.getCapabilities = tonNode.Capabilities")
	CapabilitiesID    = SchemeID("tonNode.capabilities version:int capabilities:long = tonNode.Capabilities")
)

// CapabilitiesSize is the size of the bare capabilities body:
// a 32-bit version followed by a 64-bit capability mask.
const CapabilitiesSize = 4 + 8

// AppendGetCapabilities appends the boxed, field-less capability request.
func AppendGetCapabilities(dst []byte) []byte {
	return AppendID(dst, GetCapabilitiesID)
}

// Capabilities is a peer's answer to a capability query.
type Capabilities struct {
	Version      uint32
	Capabilities uint64
}

// Append appends the boxed encoding of c.
func (c Capabilities) Append(dst []byte) []byte {
	dst = AppendID(dst, CapabilitiesID)
	dst = AppendUint32(dst, c.Version)
	return AppendUint64(dst, c.Capabilities)
}

// DecodeCapabilities decodes a boxed capabilities object.
// The input must be exactly the boxed size;
// trailing bytes are rejected.
func DecodeCapabilities(b []byte) (Capabilities, error) {
	if len(b) != 4+CapabilitiesSize {
		return Capabilities{}, fmt.Errorf(
			"capabilities must be %d bytes (got %d)", 4+CapabilitiesSize, len(b),
		)
	}

	r := NewReader(b)
	r.Expect(CapabilitiesID)
	c := Capabilities{
		Version:      r.Uint32(),
		Capabilities: r.Uint64(),
	}
	if err := r.Finish(); err != nil {
		return Capabilities{}, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return c, nil
}

// IsGetCapabilities reports whether b is a capability request.
func IsGetCapabilities(b []byte) bool {
	id, ok := PeekID(b)
	return ok && len(b) == 4 && id == GetCapabilitiesID
}
