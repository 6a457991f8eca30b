package torrent

import (
	"os"

	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// debugAssertsEnabled gates the "fails in debug; no-op in release" invariant
// checks spec §4.2 calls for, the same way the teacher gates
// debugMetricsEnabled and deferrwl.go's EnableDebug off an environment
// variable rather than a build tag.
var debugAssertsEnabled = os.Getenv("TORRENT_DEBUG_ASSERTS") != ""

// PieceOutcome is the result of recording a downloaded chunk.
type PieceOutcome int

const (
	NotLastChunk PieceOutcome = iota
	PieceComplete
	AlreadyHave
)

// pieceChunks tracks, for one piece currently being downloaded, which chunks
// have been received but not yet verified.
type pieceChunks struct {
	received bitmap.Bitmap
	count    int
}

// ChunkTracker holds the have/needed bitfields and per-piece partial-chunk
// state (spec §3/§4.2). All methods assume the caller already holds
// TorrentState's engine lock at the appropriate level — ChunkTracker itself
// performs no locking.
type ChunkTracker struct {
	lengths *Lengths
	have    *Bitfield
	needed  *Bitfield
	// pending maps a piece reserved by some peer to its partial chunk state.
	// A piece index has an entry here iff it is currently reserved (spec
	// invariant 2: a piece is in inflight_pieces iff it has a pending entry
	// here and is not yet verified).
	pending map[pieceIndex]*pieceChunks
}

// NewChunkTracker builds a tracker with `have` set from the pieces the
// caller already has (e.g. recomputed by hashing on startup, per spec §6)
// and `needed` as its complement.
func NewChunkTracker(lengths *Lengths, have *Bitfield) *ChunkTracker {
	ct := &ChunkTracker{
		lengths: lengths,
		have:    have.Clone(),
		needed:  NewBitfield(),
		pending: make(map[pieceIndex]*pieceChunks),
	}
	for i := 0; i < lengths.TotalPieces(); i++ {
		if !ct.have.Contains(i) {
			ct.needed.Set(i)
		}
	}
	return ct
}

// GetNeededPieces returns the tracker's own needed bitfield, not a copy, so it
// reflects later changes. Callers only read it.
func (ct *ChunkTracker) GetNeededPieces() *Bitfield {
	return ct.needed
}

// IsPieceHave reports whether a piece has been verified and marked have.
func (ct *ChunkTracker) IsPieceHave(piece pieceIndex) bool {
	return ct.have.Contains(piece)
}

// MarkPieceHave sets the have bit after successful verification. Callers are
// responsible for also removing the piece from inflight_pieces.
func (ct *ChunkTracker) MarkPieceHave(piece pieceIndex) {
	ct.have.Set(piece)
	ct.needed.Clear(piece)
	delete(ct.pending, piece)
}

// ReserveNeededPiece clears the bit in needed, claiming the piece for
// reservation. Precondition: the bit was set. Calling this twice on the same
// piece without an intervening MarkChunkRequestCancelled is a programming
// error per spec §4.2.
func (ct *ChunkTracker) ReserveNeededPiece(piece pieceIndex) {
	if debugAssertsEnabled {
		panicif.False(ct.needed.Contains(piece))
	}
	ct.needed.Clear(piece)
	if _, ok := ct.pending[piece]; !ok {
		ct.pending[piece] = &pieceChunks{}
	}
}

// MarkChunkRequestCancelled returns a piece to the pool: sets its needed bit
// and clears its partial chunk bitmap. Idempotent — calling it on a piece
// that isn't pending, or a piece already fully re-armed, is a no-op beyond
// re-setting needed.
func (ct *ChunkTracker) MarkChunkRequestCancelled(piece pieceIndex, chunk int) {
	if ct.have.Contains(piece) {
		return
	}
	delete(ct.pending, piece)
	ct.needed.Set(piece)
}

// ReleasePieceReservation re-arms a whole piece (used when a completed piece
// fails verification), wiping its partial chunk bitmap and returning it to
// needed.
func (ct *ChunkTracker) ReleasePieceReservation(piece pieceIndex) {
	if ct.have.Contains(piece) {
		return
	}
	delete(ct.pending, piece)
	ct.needed.Set(piece)
}

// IsPieceReserved reports whether a piece currently has a pending entry
// (equivalently: is in inflight_pieces per spec invariant 2).
func (ct *ChunkTracker) IsPieceReserved(piece pieceIndex) bool {
	_, ok := ct.pending[piece]
	return ok
}

// MarkChunkDownloaded records receipt of one chunk of a reserved piece.
func (ct *ChunkTracker) MarkChunkDownloaded(info ChunkInfo) PieceOutcome {
	if ct.have.Contains(info.PieceIndex) {
		return AlreadyHave
	}
	pc, ok := ct.pending[info.PieceIndex]
	if !ok {
		// The piece isn't reserved (e.g. a late delivery after the piece was
		// already re-armed and re-reserved by another round); treat the
		// chunk as a fresh reservation entry so progress isn't lost.
		pc = &pieceChunks{}
		ct.pending[info.PieceIndex] = pc
	}
	bi := bitmap.BitIndex(info.ChunkIndex)
	if pc.received.Contains(bi) {
		return NotLastChunk
	}
	pc.received.Add(bi)
	pc.count++
	if pc.count >= ct.lengths.ChunksPerPiece(info.PieceIndex) {
		return PieceComplete
	}
	return NotLastChunk
}
