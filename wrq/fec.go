package wrq

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/golang/snappy"
	"github.com/gordian-engine/wren/wtl"
	"github.com/klauspost/reedsolomon"
)

const (
	// Shard limit of the 8-bit Reed-Solomon field.
	maxShards = 256

	// Data symbols per part.
	// Larger transfers are split into parts of this many symbols,
	// leaving room under maxShards for parity.
	maxPartDataSymbols = 128
)

// partSize returns the number of transfer bytes carried by one part.
func partSize(symbolSize int) int {
	return symbolSize * maxPartDataSymbols
}

// encodedPart is one part of an outgoing transfer,
// erasure coded and ready to send symbol by symbol.
type encodedPart struct {
	FEC    fecParams
	Shards [][]byte
}

// encodePart codes data, which must fit in one part,
// into data and parity symbols of symbolSize bytes.
func encodePart(data []byte, symbolSize int, parityRatio float32) (encodedPart, error) {
	nData := (len(data) + symbolSize - 1) / symbolSize
	if nData == 0 || nData > maxPartDataSymbols {
		return encodedPart{}, fmt.Errorf("BUG: part of %d bytes does not fit in %d symbols", len(data), maxPartDataSymbols)
	}
	nParity := max(1, int(parityRatio*float32(nData)+0.999))
	nParity = min(nParity, maxShards-nData)

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return encodedPart{}, fmt.Errorf("failed to build Reed-Solomon encoder: %w", err)
	}

	// One backing allocation, with the final data symbol zero padded.
	buf := make([]byte, (nData+nParity)*symbolSize)
	copy(buf, data)
	shards := make([][]byte, nData+nParity)
	for i := range shards {
		shards[i] = buf[i*symbolSize : (i+1)*symbolSize : (i+1)*symbolSize]
	}

	if err := enc.Encode(shards); err != nil {
		return encodedPart{}, fmt.Errorf("failed to erasure-code part: %w", err)
	}

	return encodedPart{
		FEC: fecParams{
			DataSize:      int32(len(data)),
			SymbolSize:    int32(symbolSize),
			DataSymbols:   int32(nData),
			ParitySymbols: int32(nParity),
		},
		Shards: shards,
	}, nil
}

// partDecoder collects symbols of one part until the data can be recovered.
type partDecoder struct {
	fec    fecParams
	enc    reedsolomon.Encoder
	shards [][]byte
	have   *bitset.BitSet
}

func newPartDecoder(p fecParams) (*partDecoder, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(int(p.DataSymbols), int(p.ParitySymbols))
	if err != nil {
		return nil, fmt.Errorf("failed to build Reed-Solomon decoder: %w", err)
	}
	return &partDecoder{
		fec:    p,
		enc:    enc,
		shards: make([][]byte, p.total()),
		have:   bitset.MustNew(uint(p.total())),
	}, nil
}

// add records the symbol with the given sequence number.
// Sequence numbers wrap around the symbol count,
// so a sender may cycle through the symbols repeatedly.
//
// add reports whether enough symbols have arrived to decode.
func (d *partDecoder) add(seqno int32, symbol []byte) (bool, error) {
	if seqno < 0 {
		return false, fmt.Errorf("negative seqno %d", seqno)
	}
	if len(symbol) != int(d.fec.SymbolSize) {
		return false, fmt.Errorf("symbol has %d bytes, want %d", len(symbol), d.fec.SymbolSize)
	}

	idx := uint(seqno) % uint(d.fec.total())
	if !d.have.Test(idx) {
		d.have.Set(idx)
		d.shards[idx] = append([]byte(nil), symbol...)
	}
	return d.ready(), nil
}

func (d *partDecoder) ready() bool {
	return d.have.Count() >= uint(d.fec.DataSymbols)
}

// decode reconstructs the part's data.
// It must only be called once ready reports true.
func (d *partDecoder) decode() ([]byte, error) {
	if err := d.enc.ReconstructData(d.shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct part: %w", err)
	}
	out := make([]byte, 0, int(d.fec.DataSymbols)*int(d.fec.SymbolSize))
	for _, s := range d.shards[:d.fec.DataSymbols] {
		out = append(out, s...)
	}
	return out[:d.fec.DataSize], nil
}

// compress wraps an encoded envelope in an rldp.compressed envelope.
func compress(encoded []byte) []byte {
	c := snappy.Encode(nil, encoded)
	out := make([]byte, 0, 4+wtl.BytesSize(len(c)))
	out = wtl.AppendID(out, compressedID)
	return wtl.AppendBytes(out, c)
}

func decompress(b []byte, maxSize int) ([]byte, error) {
	n, err := snappy.DecodedLen(b)
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}
	if n > maxSize {
		return nil, fmt.Errorf("compressed envelope expands to %d bytes, limit %d", n, maxSize)
	}
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope: %w", err)
	}
	return out, nil
}
