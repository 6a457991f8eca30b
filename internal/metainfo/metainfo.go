// Package metainfo is a minimal stand-in for the bencode metainfo parser,
// which is out of scope for this module (spec: "the metainfo (bencode)
// parser" is an external collaborator). It carries only the already-parsed
// fields the engine needs: piece geometry, per-file layout, and per-piece
// SHA-1 hashes. Tests and Lengths build one of these from fixture values the
// way a real parser's output would look after unmarshalling a .torrent file.
package metainfo

// File describes one file within a (possibly multi-file) torrent, laid out
// by concatenation in the order they appear here.
type File struct {
	Path   []string
	Length int64
}

// Info is the already-decoded subset of a torrent's info dictionary that the
// core engine consumes.
type Info struct {
	PieceLength int64
	// Pieces is the concatenation of 20-byte SHA-1 hashes, one per piece.
	Pieces []byte
	// Files is empty for a single-file torrent, in which case Name/Length
	// describe the single file directly.
	Files  []File
	Name   string
	Length int64 // only meaningful when Files is empty
}

// PieceHash returns the SHA-1 hash recorded for the given piece index.
// Callers are expected to have bounds-checked via Lengths first.
func (info *Info) PieceHash(piece int) [20]byte {
	var h [20]byte
	copy(h[:], info.Pieces[piece*20:(piece+1)*20])
	return h
}

// NumPieces returns the number of pieces implied by len(Pieces).
func (info *Info) NumPieces() int {
	return len(info.Pieces) / 20
}

// UpvertedFiles returns Files if set, or a single synthetic File built from
// Name/Length for a single-file torrent — mirroring the teacher's
// Info.UpvertedFiles helper (common/upverted_files.go) that normalizes both
// torrent shapes to one file list.
func (info *Info) UpvertedFiles() []File {
	if len(info.Files) != 0 {
		return info.Files
	}
	return []File{{Path: []string{info.Name}, Length: info.Length}}
}

// TotalLength returns the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	var total int64
	for _, f := range info.UpvertedFiles() {
		total += f.Length
	}
	return total
}
