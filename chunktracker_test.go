package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistmoor/torrent/internal/metainfo"
)

func threePieceLengths() *Lengths {
	info := &metainfo.Info{
		PieceLength: ChunkSize,
		Pieces:      make([]byte, 60),
		Name:        "f",
		Length:      ChunkSize * 3,
	}
	return NewLengths(info)
}

func TestChunkTrackerInitialNeeded(t *testing.T) {
	l := threePieceLengths()
	have := NewBitfield()
	have.Set(1)
	ct := NewChunkTracker(l, have)

	assert.True(t, ct.IsPieceHave(1))
	assert.False(t, ct.IsPieceHave(0))
	needed := ct.GetNeededPieces()
	assert.Equal(t, []int{0, 2}, needed.ToSlice())
}

func TestChunkTrackerReserveAndDownload(t *testing.T) {
	l := threePieceLengths()
	ct := NewChunkTracker(l, NewBitfield())

	ct.ReserveNeededPiece(0)
	assert.False(t, ct.GetNeededPieces().Contains(0))
	assert.True(t, ct.IsPieceReserved(0))

	ci := l.ChunkInfoIter(0)[0]
	outcome := ct.MarkChunkDownloaded(ci)
	assert.Equal(t, PieceComplete, outcome)

	ct.MarkPieceHave(0)
	assert.True(t, ct.IsPieceHave(0))
	assert.False(t, ct.IsPieceReserved(0))
}

func TestChunkTrackerAlreadyHave(t *testing.T) {
	l := threePieceLengths()
	have := NewBitfield()
	have.Set(0)
	ct := NewChunkTracker(l, have)
	ci := l.ChunkInfoIter(0)[0]
	assert.Equal(t, AlreadyHave, ct.MarkChunkDownloaded(ci))
}

func TestChunkTrackerCancelReArms(t *testing.T) {
	l := threePieceLengths()
	ct := NewChunkTracker(l, NewBitfield())
	ct.ReserveNeededPiece(0)
	require.False(t, ct.GetNeededPieces().Contains(0))

	ct.MarkChunkRequestCancelled(0, 0)
	assert.True(t, ct.GetNeededPieces().Contains(0))
	assert.False(t, ct.IsPieceReserved(0))
}

func TestChunkTrackerDoubleReservePanicsInDebugMode(t *testing.T) {
	old := debugAssertsEnabled
	debugAssertsEnabled = true
	defer func() { debugAssertsEnabled = old }()

	l := threePieceLengths()
	ct := NewChunkTracker(l, NewBitfield())
	ct.ReserveNeededPiece(0)

	assert.Panics(t, func() {
		ct.ReserveNeededPiece(0)
	})
}

func TestChunkTrackerDoubleReserveIsNoopOutsideDebugMode(t *testing.T) {
	old := debugAssertsEnabled
	debugAssertsEnabled = false
	defer func() { debugAssertsEnabled = old }()

	l := threePieceLengths()
	ct := NewChunkTracker(l, NewBitfield())
	ct.ReserveNeededPiece(0)
	assert.NotPanics(t, func() {
		ct.ReserveNeededPiece(0)
	})
}
