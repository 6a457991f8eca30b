package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistmoor/torrent/internal/metainfo"
)

func buildTwoPieceInfo(t *testing.T, piece0, piece1 []byte) *metainfo.Info {
	t.Helper()
	h0 := sha1.Sum(piece0)
	h1 := sha1.Sum(piece1)
	pieces := append(append([]byte{}, h0[:]...), h1[:]...)
	return &metainfo.Info{
		PieceLength: int64(len(piece0)),
		Pieces:      pieces,
		Name:        "payload.bin",
		Length:      int64(len(piece0) + len(piece1)),
	}
}

func TestFileOpsWriteReadRoundTrip(t *testing.T) {
	piece0 := bytes.Repeat([]byte{0xAB}, ChunkSize)
	piece1 := bytes.Repeat([]byte{0xCD}, ChunkSize)
	info := buildTwoPieceInfo(t, piece0, piece1)
	lengths := NewLengths(info)

	files, err := NewOSFiles(t.TempDir(), info)
	require.NoError(t, err)
	defer files.Close()
	fo := NewFileOps(lengths, info, files)

	ci := lengths.ChunkInfoIter(0)[0]
	require.NoError(t, fo.WriteChunk("peerA", ci, piece0))

	got, err := fo.ReadChunk("peerA", ci)
	require.NoError(t, err)
	assert.Equal(t, piece0, got)

	ok, err := fo.CheckPiece(context.Background(), "peerA", 0, lengths.LastChunkInfo(0))
	require.NoError(t, err)
	assert.True(t, ok, "piece 0 should verify once fully written")

	ok, err = fo.CheckPiece(context.Background(), "peerA", 1, lengths.LastChunkInfo(1))
	require.NoError(t, err)
	assert.False(t, ok, "piece 1 was never written, must not verify")
}

func TestFileOpsWriteWrongLengthRejected(t *testing.T) {
	info := buildTwoPieceInfo(t, bytes.Repeat([]byte{1}, ChunkSize), bytes.Repeat([]byte{2}, ChunkSize))
	lengths := NewLengths(info)
	files, err := NewOSFiles(t.TempDir(), info)
	require.NoError(t, err)
	defer files.Close()
	fo := NewFileOps(lengths, info, files)

	ci := lengths.ChunkInfoIter(0)[0]
	err = fo.WriteChunk("peerA", ci, []byte{1, 2, 3})
	require.Error(t, err)
	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, DiskIo, coreErr.Kind)
}

func TestFileOpsMultiFileSegmentRoundTrip(t *testing.T) {
	info := &metainfo.Info{
		PieceLength: 32,
		Files: []metainfo.File{
			{Path: []string{"a.bin"}, Length: 10},
			{Path: []string{"b.bin"}, Length: 22},
		},
	}
	h := sha1.Sum(bytes.Repeat([]byte{0x42}, 32))
	info.Pieces = h[:]
	lengths := NewLengths(info)

	files, err := NewOSFiles(t.TempDir(), info)
	require.NoError(t, err)
	defer files.Close()
	fo := NewFileOps(lengths, info, files)

	data := bytes.Repeat([]byte{0x42}, 32)
	ci := lengths.ChunkInfoIter(0)[0]
	require.NoError(t, fo.WriteChunk("peerA", ci, data))

	got, err := fo.ReadChunk("peerA", ci)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := fo.CheckPiece(context.Background(), "peerA", 0, lengths.LastChunkInfo(0))
	require.NoError(t, err)
	assert.True(t, ok)
}
