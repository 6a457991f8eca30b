package torrent

import (
	"github.com/mistmoor/torrent/internal/metainfo"
)

// ChunkSize is the fixed request-unit size, per spec §3. The wire protocol
// that actually negotiates request sizes is out of scope; the engine always
// reserves and verifies work in units of this size.
const ChunkSize = 16 * 1024

// pieceIndex mirrors the teacher's pieceIndex type alias (peer.go): a plain
// int used pervasively so arithmetic reads naturally, with ValidPieceIndex
// reserved for the bounds-checked variant callers are expected to obtain via
// Lengths.ValidatePieceIndex before indexing anything.
type pieceIndex = int

// ValidPieceIndex is a piece index that Lengths has already bounds-checked.
// It exists so call sites that accept one don't need to re-validate.
type ValidPieceIndex struct {
	i pieceIndex
}

// Int returns the underlying index.
func (v ValidPieceIndex) Int() pieceIndex { return v.i }

// ChunkInfo carries the location of one chunk within the concatenated file
// set, per spec §3.
type ChunkInfo struct {
	PieceIndex     pieceIndex
	ChunkIndex     int
	AbsoluteOffset int64
	Length         int64
}

// FileSegment is one (file, offset, length) slice of an absolute byte range,
// the result of mapping a ChunkInfo onto the torrent's file list. Adapted
// from the teacher's common.TorrentOffsetFileSegments / storage.go
// storagePieceReader, which walk file boundaries the same way.
type FileSegment struct {
	FileIndex  int
	FileOffset int64
	Length     int64
}

// Lengths derives piece, chunk, and file geometry from metainfo and performs
// all bounds checking. It holds no mutable state and is safe for concurrent
// use by any number of goroutines.
type Lengths struct {
	totalLength  int64
	pieceLength  int64
	totalPieces  int
	lastPieceLen int64
	fileOffsets  []int64 // cumulative offset at which file i begins
	fileLengths  []int64
}

// NewLengths derives a Lengths from parsed metainfo.
func NewLengths(info *metainfo.Info) *Lengths {
	files := info.UpvertedFiles()
	l := &Lengths{
		pieceLength: info.PieceLength,
		totalPieces: info.NumPieces(),
	}
	var offset int64
	l.fileOffsets = make([]int64, len(files))
	l.fileLengths = make([]int64, len(files))
	for i, f := range files {
		l.fileOffsets[i] = offset
		l.fileLengths[i] = f.Length
		offset += f.Length
	}
	l.totalLength = offset
	if l.totalPieces == 0 {
		return l
	}
	l.lastPieceLen = l.totalLength - l.pieceLength*int64(l.totalPieces-1)
	if l.lastPieceLen <= 0 || l.lastPieceLen > l.pieceLength {
		l.lastPieceLen = l.pieceLength
	}
	return l
}

// TotalLength is the sum of all file lengths.
func (l *Lengths) TotalLength() int64 { return l.totalLength }

// TotalPieces is the number of pieces in the torrent.
func (l *Lengths) TotalPieces() int { return l.totalPieces }

// ValidatePieceIndex bounds-checks a piece index, per spec §4.1.
func (l *Lengths) ValidatePieceIndex(piece pieceIndex) (ValidPieceIndex, error) {
	if piece < 0 || piece >= l.totalPieces {
		return ValidPieceIndex{}, newError(Config, "ValidatePieceIndex", ErrOutOfRange)
	}
	return ValidPieceIndex{i: piece}, nil
}

// PieceLength returns the length of the given piece, accounting for a short
// final piece.
func (l *Lengths) PieceLength(piece pieceIndex) int64 {
	if piece == l.totalPieces-1 {
		return l.lastPieceLen
	}
	return l.pieceLength
}

// PieceOffset returns the absolute byte offset at which a piece begins.
func (l *Lengths) PieceOffset(piece pieceIndex) int64 {
	return int64(piece) * l.pieceLength
}

// ChunksPerPiece returns the number of chunks that make up a piece, the last
// of which may be short.
func (l *Lengths) ChunksPerPiece(piece pieceIndex) int {
	pl := l.PieceLength(piece)
	return int((pl + ChunkSize - 1) / ChunkSize)
}

// ChunkInfoIter yields every ChunkInfo within a piece in ascending order, the
// last possibly short per spec §8's boundary law.
func (l *Lengths) ChunkInfoIter(piece pieceIndex) []ChunkInfo {
	pieceOffset := l.PieceOffset(piece)
	pieceLen := l.PieceLength(piece)
	n := l.ChunksPerPiece(piece)
	out := make([]ChunkInfo, 0, n)
	for i := 0; i < n; i++ {
		chunkOffset := int64(i) * ChunkSize
		chunkLen := int64(ChunkSize)
		if remaining := pieceLen - chunkOffset; remaining < chunkLen {
			chunkLen = remaining
		}
		out = append(out, ChunkInfo{
			PieceIndex:     piece,
			ChunkIndex:     i,
			AbsoluteOffset: pieceOffset + chunkOffset,
			Length:         chunkLen,
		})
	}
	return out
}

// LastChunkInfo returns the final ChunkInfo of a piece, which is the unit
// CheckPiece reads up through when re-verifying a complete piece.
func (l *Lengths) LastChunkInfo(piece pieceIndex) ChunkInfo {
	chunks := l.ChunkInfoIter(piece)
	return chunks[len(chunks)-1]
}

// FileSegments maps an absolute (offset, length) byte range onto the
// sequence of (file, file-offset, slice-length) segments it spans, adapted
// from the teacher's storagePieceReader.ReadAt boundary-walking loop.
func (l *Lengths) FileSegments(absoluteOffset, length int64) ([]FileSegment, error) {
	if absoluteOffset < 0 || length < 0 || absoluteOffset+length > l.totalLength {
		return nil, newError(Config, "FileSegments", ErrOutOfRange)
	}
	var out []FileSegment
	remaining := length
	off := absoluteOffset
	for fi := range l.fileOffsets {
		fileStart := l.fileOffsets[fi]
		fileEnd := fileStart + l.fileLengths[fi]
		if off >= fileEnd {
			continue
		}
		if remaining == 0 {
			break
		}
		segStart := off - fileStart
		segLen := fileEnd - off
		if segLen > remaining {
			segLen = remaining
		}
		out = append(out, FileSegment{FileIndex: fi, FileOffset: segStart, Length: segLen})
		off += segLen
		remaining -= segLen
	}
	if remaining != 0 {
		return nil, newError(Config, "FileSegments", ErrOutOfRange)
	}
	return out, nil
}
