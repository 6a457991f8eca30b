package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistmoor/torrent/internal/metainfo"
)

// twoPieceTorrent builds a fresh single-file, two-piece, one-chunk-per-piece
// torrent (piece length == ChunkSize, total length 2*ChunkSize) together with
// its two pieces' real content, for scenario tests that deliver chunks and
// check verification.
func twoPieceTorrent(t *testing.T) (*metainfo.Info, [2][]byte) {
	t.Helper()
	var pieces [2][]byte
	pieces[0] = bytes.Repeat([]byte{0x11}, ChunkSize)
	pieces[1] = bytes.Repeat([]byte{0x22}, ChunkSize)
	h0 := sha1.Sum(pieces[0])
	h1 := sha1.Sum(pieces[1])
	info := &metainfo.Info{
		PieceLength: ChunkSize,
		Pieces:      append(append([]byte{}, h0[:]...), h1[:]...),
		Name:        "payload.bin",
		Length:      int64(2 * ChunkSize),
	}
	return info, pieces
}

func newTestTorrentState(t *testing.T, info *metainfo.Info) *TorrentState {
	t.Helper()
	ts, err := NewTorrentState(Options{
		Info:      info,
		InfoHash:  [20]byte{0xAA},
		PeerID:    [20]byte{0xBB},
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func liveTestPeer(t *testing.T, ts *TorrentState, addr string, bitfieldPieces ...int) PeerHandle {
	t.Helper()
	handle, _, ok := ts.AddPeer(addr, 8)
	require.True(t, ok)
	require.NoError(t, ts.SetPeerLive(handle, Handshake{InfoHash: [20]byte{0xAA}}))
	ts.HandleUnchoke(handle)

	bf := NewBitfield()
	for _, p := range bitfieldPieces {
		bf.Set(p)
	}
	require.NoError(t, ts.HandleBitfield(handle, bf.Bytes(ts.lengths.TotalPieces())))
	return handle
}

// Scenario 1: a fresh two-piece torrent where the sole peer has both pieces;
// bitfield 0b11000000 over a 2-piece torrent (spec §8 scenario 1).
func TestScenarioFreshDownloadFromFullPeer(t *testing.T) {
	info, pieces := twoPieceTorrent(t)
	ts := newTestTorrentState(t, info)

	handle := liveTestPeer(t, ts, "peer1", 0, 1)

	snap := ts.Snapshot()
	assert.Equal(t, int64(0), snap.HaveBytes)

	for piece := 0; piece < 2; piece++ {
		got, ok := ts.ReserveNextNeededPiece(handle)
		require.True(t, ok)
		assert.Equal(t, piece, got)

		ci := ts.lengths.ChunkInfoIter(piece)[0]
		require.NoError(t, ts.HandlePieceMessage(context.Background(), handle, ci, pieces[piece]))
	}

	snap = ts.Snapshot()
	if snap.HaveBytes != int64(2*ChunkSize) {
		t.Fatalf("unexpected snapshot after full download:\n%s", spew.Sdump(snap))
	}
	assert.Equal(t, int64(2*ChunkSize), snap.HaveBytes)
	assert.Equal(t, int64(2*ChunkSize), snap.DownloadedAndCheckedBytes)
	assert.Equal(t, 0, ts.chunks.GetNeededPieces().Count())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ts.WaitUntilComplete(ctx))
}

// Scenario 2: a corrupt piece delivery is re-armed, not accepted.
func TestScenarioCorruptPieceIsReArmed(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	ts := newTestTorrentState(t, info)
	handle := liveTestPeer(t, ts, "peer1", 0, 1)

	piece, ok := ts.ReserveNextNeededPiece(handle)
	require.True(t, ok)
	require.Equal(t, 0, piece)

	garbage := bytes.Repeat([]byte{0xFF}, ChunkSize)
	ci := ts.lengths.ChunkInfoIter(0)[0]
	require.NoError(t, ts.HandlePieceMessage(context.Background(), handle, ci, garbage))

	assert.True(t, ts.chunks.GetNeededPieces().Contains(0), "failed verification must re-arm the piece")
	assert.False(t, ts.chunks.IsPieceHave(0))
	snap := ts.Snapshot()
	assert.Equal(t, int64(0), snap.DownloadedAndCheckedBytes)
	assert.Equal(t, int64(ChunkSize), snap.FetchedBytes, "fetched_bytes counts bytes received even if later rejected")
}

// Scenario 3: two peers both advertise a piece; one reserves it, the second
// can steal it (uniform-random stealing over inflight pieces, spec §9).
func TestScenarioTwoPeerReserveAndSteal(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	ts := newTestTorrentState(t, info)
	h1 := liveTestPeer(t, ts, "peer1", 0, 1)
	h2 := liveTestPeer(t, ts, "peer2", 0, 1)

	piece, ok := ts.ReserveNextNeededPiece(h1)
	require.True(t, ok)
	assert.Equal(t, 0, piece)

	stolen, ok := ts.TryStealPiece(h2)
	require.True(t, ok)
	assert.Equal(t, 0, stolen)
}

// Scenario 4: a peer disconnecting mid-piece, with a request for the piece
// in flight, returns its reservation to the needed pool so another peer can
// pick it up (spec §9's documented wasteful-but-safe whole-piece release).
func TestScenarioDisconnectMidPieceReleasesReservation(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	ts := newTestTorrentState(t, info)
	handle := liveTestPeer(t, ts, "peer1", 0, 1)

	piece, ok := ts.ReserveNextNeededPiece(handle)
	require.True(t, ok)
	require.Equal(t, 0, piece)
	ts.AddInflightRequest(handle, InflightRequest{Piece: 0, Chunk: 0})
	assert.False(t, ts.chunks.GetNeededPieces().Contains(0))

	dropped := ts.DropPeer(handle)
	require.True(t, dropped)

	assert.True(t, ts.chunks.GetNeededPieces().Contains(0), "disconnect must re-arm the piece it held")
}

// Scenario 5: a chunk spanning a file boundary in a multi-file torrent is
// written and re-verified correctly.
func TestScenarioMultiFileBoundaryWrite(t *testing.T) {
	data := bytes.Repeat([]byte{0x77}, 64)
	h := sha1.Sum(data)
	info := &metainfo.Info{
		PieceLength: 64,
		Pieces:      h[:],
		Files: []metainfo.File{
			{Path: []string{"a.bin"}, Length: 20},
			{Path: []string{"b.bin"}, Length: 44},
		},
	}
	ts := newTestTorrentState(t, info)
	handle := liveTestPeer(t, ts, "peer1", 0)

	piece, ok := ts.ReserveNextNeededPiece(handle)
	require.True(t, ok)
	ci := ts.lengths.ChunkInfoIter(piece)[0]
	require.NoError(t, ts.HandlePieceMessage(context.Background(), handle, ci, data))

	assert.True(t, ts.chunks.IsPieceHave(0))
}

// Scenario 6: a single-byte last piece boundary law.
func TestScenarioOneByteLastPiece(t *testing.T) {
	full := bytes.Repeat([]byte{0x01}, ChunkSize)
	last := []byte{0x42}
	h0 := sha1.Sum(full)
	h1 := sha1.Sum(last)
	info := &metainfo.Info{
		PieceLength: ChunkSize,
		Pieces:      append(append([]byte{}, h0[:]...), h1[:]...),
		Name:        "x",
		Length:      int64(ChunkSize) + 1,
	}
	ts := newTestTorrentState(t, info)
	handle := liveTestPeer(t, ts, "peer1", 0, 1)

	byPiece := map[int][]byte{0: full, 1: last}
	require.Equal(t, int64(len(full)), ts.lengths.LastChunkInfo(0).Length)
	require.Equal(t, int64(len(last)), ts.lengths.LastChunkInfo(1).Length)
	for i := 0; i < 2; i++ {
		reserved, ok := ts.ReserveNextNeededPiece(handle)
		require.True(t, ok)
		require.NoError(t, ts.HandlePieceMessage(context.Background(), handle, ts.lengths.ChunkInfoIter(reserved)[0], byPiece[reserved]))
	}

	snap := ts.Snapshot()
	assert.Equal(t, int64(ChunkSize)+1, snap.HaveBytes)
}

func TestBitfieldWrongLengthDropsPeer(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	ts := newTestTorrentState(t, info)
	handle, _, ok := ts.AddPeer("peer1", 8)
	require.True(t, ok)
	require.NoError(t, ts.SetPeerLive(handle, Handshake{InfoHash: [20]byte{0xAA}}))

	err := ts.HandleBitfield(handle, []byte{0xFF, 0xFF})
	require.Error(t, err)
	assert.False(t, ts.AmIInterestedInPeer(handle), "a dropped peer can't be reserved from")
}

func TestSetPeerLiveRejectsInfoHashMismatch(t *testing.T) {
	info, _ := twoPieceTorrent(t)
	ts := newTestTorrentState(t, info)
	handle, _, ok := ts.AddPeer("peer1", 8)
	require.True(t, ok)

	err := ts.SetPeerLive(handle, Handshake{InfoHash: [20]byte{0xFF}})
	require.Error(t, err)
	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, PeerProtocol, coreErr.Kind)
}
