package torrent

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind categorizes engine errors per the error-handling design: for
// peer-level kinds TorrentState handles the fault itself (peer dropped,
// in-flight work returned) and returns the error to the calling peer task only
// as a report; DiskIo and Config are fatal to the torrent and propagate to the
// caller.
type ErrorKind int

const (
	// PeerProtocol is a malformed or out-of-contract message from a peer.
	PeerProtocol ErrorKind = iota
	// PeerTransport is a socket read/write failure for a peer.
	PeerTransport
	// BadPiece is a SHA-1 mismatch on a completed piece.
	BadPiece
	// DiskIo is a read/write/open failure against the backing files. Fatal.
	DiskIo
	// Config is an invalid configuration supplied before any peer is admitted. Fatal.
	Config
)

func (k ErrorKind) String() string {
	switch k {
	case PeerProtocol:
		return "peer-protocol"
	case PeerTransport:
		return "peer-transport"
	case BadPiece:
		return "bad-piece"
	case DiskIo:
		return "disk-io"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// CoreError is the error type returned by engine operations that can fail.
// Peer-level kinds are informational: the coordinator acts on them (dropping
// the offending peer) and does not propagate them further up. DiskIo and
// Config kinds are meant to terminate the session.
type CoreError struct {
	Kind ErrorKind
	Op   string
	err  error
}

func (e *CoreError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.err)
}

func (e *CoreError) Unwrap() error { return e.err }

func newError(kind ErrorKind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, err: err}
}

// wrapDiskError annotates a low-level I/O failure with the operation that
// caused it, preserving the originating error via github.com/pkg/errors so
// callers that care can still inspect *os.PathError etc. with errors.As.
func wrapDiskError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(DiskIo, op, errors.WithStack(err))
}

var (
	// ErrOutOfRange is returned by Lengths operations given a piece or byte
	// range index beyond the torrent's bounds.
	ErrOutOfRange = errors.New("index out of range")
	// ErrShortWrite is returned by FileOps when a backing-file read or write
	// transfers fewer bytes than its segment needs, and by WriteChunk when
	// the data's length differs from the chunk's.
	ErrShortWrite = errors.New("short write")
	// ErrPeerNotSeen describes a reference to a peer handle PeerStates has
	// never admitted. No operation in this package returns it.
	ErrPeerNotSeen = errors.New("peer handle not seen")
)
