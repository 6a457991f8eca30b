package torrent

import (
	"github.com/RoaringBitmap/roaring"
)

// Bitfield is a bit-per-piece presence vector. It wraps roaring.Bitmap
// (already in the teacher's dependency graph for exactly this purpose, see
// torrent-piece-request-order.go's use of roaring.Bitmap for _pendingPieces)
// because its iterator walks set bits in ascending order for free — which is
// precisely the piece-selection algorithm spec §4.2 calls for: "scan needed
// bits in ascending order".
type Bitfield struct {
	bm roaring.Bitmap
}

// NewBitfield returns an empty bitfield.
func NewBitfield() *Bitfield {
	return &Bitfield{}
}

// NewBitfieldFromBytes decodes a wire-format bitfield: MSB-first within each
// byte, per spec §3/§6. numPieces is the expected piece count; trailing bits
// in the last byte beyond numPieces must be zero, and the byte length must
// equal ceil(numPieces/8) exactly — both checked here so callers can reject
// the peer per spec §6's Bitfield contract.
func NewBitfieldFromBytes(b []byte, numPieces int) (*Bitfield, error) {
	expectedLen := (numPieces + 7) / 8
	if len(b) != expectedLen {
		return nil, newError(PeerProtocol, "NewBitfieldFromBytes", errBitfieldLength)
	}
	bf := NewBitfield()
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		if b[byteIdx]&(1<<bitIdx) != 0 {
			bf.bm.AddInt(i)
		}
	}
	if numPieces%8 != 0 {
		trailingMask := byte(0xFF) >> uint(numPieces%8)
		if b[expectedLen-1]&trailingMask != 0 {
			return nil, newError(PeerProtocol, "NewBitfieldFromBytes", errBitfieldTrailingBits)
		}
	}
	return bf, nil
}

// Bytes encodes the bitfield to wire format given the torrent's piece count.
func (bf *Bitfield) Bytes(numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	it := bf.bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= numPieces {
			break
		}
		out[i/8] |= 1 << uint(7-i%8)
	}
	return out
}

// Contains reports whether the bit at i is set.
func (bf *Bitfield) Contains(i int) bool { return bf.bm.ContainsInt(i) }

// Set sets the bit at i.
func (bf *Bitfield) Set(i int) { bf.bm.AddInt(i) }

// Clear clears the bit at i.
func (bf *Bitfield) Clear(i int) { bf.bm.Remove(uint32(i)) }

// Count returns the number of set bits.
func (bf *Bitfield) Count() int { return int(bf.bm.GetCardinality()) }

// Clone returns an independent copy.
func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{bm: *bf.bm.Clone()}
}

// FirstSetAscending iterates set bits in ascending order, stopping early if f
// returns false.
func (bf *Bitfield) FirstSetAscending(f func(i int) bool) {
	it := bf.bm.Iterator()
	for it.HasNext() {
		if !f(int(it.Next())) {
			return
		}
	}
}

// ToSlice returns all set bits in ascending order.
func (bf *Bitfield) ToSlice() []int {
	arr := bf.bm.ToArray()
	out := make([]int, len(arr))
	for i, v := range arr {
		out[i] = int(v)
	}
	return out
}

var (
	errBitfieldLength       = coreErrString("bitfield length does not match ceil(total_pieces/8)")
	errBitfieldTrailingBits = coreErrString("bitfield has trailing bits set beyond total_pieces")
)

type coreErrString string

func (e coreErrString) Error() string { return string(e) }
