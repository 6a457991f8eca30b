package torrent

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mistmoor/torrent/internal/metainfo"
)

// StorageBackend selects how FileOps persists chunk data.
type StorageBackend int

const (
	// OSBackend uses plain os.File read/write (OSFiles).
	OSBackend StorageBackend = iota
	// MMapBackend memory-maps the backing files (MMapFiles).
	MMapBackend
)

// Options configures a TorrentState. It is an explicit struct passed to
// NewTorrentState; the core never reads process-wide configuration (spec §9,
// "Global mutable process state" — that's the CLI's job, not ours).
type Options struct {
	Info      *metainfo.Info
	InfoHash  [20]byte
	PeerID    [20]byte
	OutputDir string
	Backend   StorageBackend

	// Logger receives warnings/debug traces (spec §4.4's "logs a warning" and
	// similar). Defaults to log.Default if zero.
	Logger log.Logger

	// MetricsRegisterer, if non-nil, gets AtomicStats and peer counts
	// mirrored into it as Prometheus gauges (SPEC_FULL §11).
	MetricsRegisterer prometheus.Registerer

	// PeerTxCapacity bounds each peer's outbound channel (spec §5: backpressure
	// on a slow peer is contained to that peer, never the engine). Defaults
	// to 64 if zero.
	PeerTxCapacity int
}

// TorrentState is the coordinator (C5): it holds immutable torrent metadata
// and the engine lock guarding {PeerStates, ChunkTracker}, and exposes every
// operation peer tasks invoke (spec §4.5).
type TorrentState struct {
	info     *metainfo.Info
	lengths  *Lengths
	infoHash [20]byte
	peerID   [20]byte
	fileOps  *FileOps
	stats    AtomicStats
	logger   log.Logger
	metrics  *metricsMirror
	peerTxCapacity int

	lock       lockWithDeferreds
	peers      *PeerStates
	chunks     *ChunkTracker
	completion completionEvent
}

// NewTorrentState opens the backing files, recomputes have-progress by
// hashing every piece (spec §6: "No sidecar files; have-progress is
// recomputed by hashing on startup"), and builds the coordinator ready to
// admit peers.
func NewTorrentState(opts Options) (*TorrentState, error) {
	if opts.Info == nil {
		return nil, newError(Config, "NewTorrentState", fmt.Errorf("nil Info"))
	}
	logger := opts.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	lengths := NewLengths(opts.Info)

	var files Files
	var err error
	switch opts.Backend {
	case MMapBackend:
		files, err = NewMMapFiles(opts.OutputDir, opts.Info)
	default:
		files, err = NewOSFiles(opts.OutputDir, opts.Info)
	}
	if err != nil {
		return nil, err
	}
	fileOps := NewFileOps(lengths, opts.Info, files)

	have := NewBitfield()
	var haveBytes int64
	for i := 0; i < lengths.TotalPieces(); i++ {
		ok, err := fileOps.CheckPiece(context.Background(), "startup", i, lengths.LastChunkInfo(i))
		if err != nil {
			fileOps.Close()
			return nil, err
		}
		if ok {
			have.Set(i)
			haveBytes += lengths.PieceLength(i)
		}
	}
	logger.WithDefaultLevel(log.Debug).Printf(
		"recomputed have-progress: %s/%s across %d pieces",
		humanize.Bytes(uint64(haveBytes)), humanize.Bytes(uint64(lengths.TotalLength())), lengths.TotalPieces(),
	)

	peerTxCapacity := opts.PeerTxCapacity
	if peerTxCapacity <= 0 {
		peerTxCapacity = defaultPeerTxCapacity
	}
	ts := &TorrentState{
		info:           opts.Info,
		lengths:        lengths,
		infoHash:       opts.InfoHash,
		peerID:         opts.PeerID,
		fileOps:        fileOps,
		logger:         logger,
		peers:          NewPeerStates(logger),
		chunks:         NewChunkTracker(lengths, have),
		peerTxCapacity: peerTxCapacity,
	}
	ts.stats.HaveBytes.Add(haveBytes)
	ts.stats.DownloadedAndCheckedBytes.Add(haveBytes)

	if opts.MetricsRegisterer != nil {
		m, err := newMetricsMirror(opts.MetricsRegisterer, fmt.Sprintf("%x", opts.InfoHash))
		if err != nil {
			fileOps.Close()
			return nil, newError(Config, "NewTorrentState.metrics", err)
		}
		ts.metrics = m
	}
	return ts, nil
}

// Close releases the backing files.
func (ts *TorrentState) Close() error {
	return ts.fileOps.Close()
}

const defaultPeerTxCapacity = 64

// AddPeer admits addr as Connecting unless already seen, per §4.4's
// add_if_not_seen. txCapacity overrides Options.PeerTxCapacity for this one
// peer if positive.
func (ts *TorrentState) AddPeer(addr string, txCapacity int) (PeerHandle, *PeerTx, bool) {
	if txCapacity <= 0 {
		txCapacity = ts.peerTxCapacity
	}
	tx := NewPeerTx(txCapacity)
	ts.lock.Lock()
	defer ts.lock.Unlock()
	handle, ok := ts.peers.AddIfNotSeen(PeerHandle(addr), tx)
	if !ok {
		return "", nil, false
	}
	return handle, tx, true
}

// SetPeerLive transitions a peer Connecting->Live on a well-formed handshake
// whose info_hash matches ours (spec §4.5 per-peer state machine). A
// mismatched info_hash is a protocol violation: the peer is dropped instead.
func (ts *TorrentState) SetPeerLive(handle PeerHandle, hs Handshake) error {
	if hs.InfoHash != ts.infoHash {
		ts.DropPeer(handle)
		return newError(PeerProtocol, "SetPeerLive", fmt.Errorf("info_hash mismatch from %s", handle))
	}
	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.peers.SetPeerLive(handle, hs)
	return nil
}

// GetNextNeededPiece returns, without reserving, the first piece handle
// advertises that we still need. Read-lock only.
func (ts *TorrentState) GetNextNeededPiece(handle PeerHandle) (pieceIndex, bool) {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	return ts.getNextNeededPieceLocked(handle)
}

func (ts *TorrentState) getNextNeededPieceLocked(handle PeerHandle) (pieceIndex, bool) {
	live := ts.peers.Live(handle)
	if live == nil || !live.Bitfield.Ok {
		return 0, false
	}
	found := -1
	ts.chunks.GetNeededPieces().FirstSetAscending(func(i int) bool {
		if live.Bitfield.Value.Contains(i) {
			found = i
			return false
		}
		return true
	})
	if found < 0 {
		return 0, false
	}
	return found, true
}

// AmIInterestedInPeer is convenience over GetNextNeededPiece.
func (ts *TorrentState) AmIInterestedInPeer(handle PeerHandle) bool {
	_, ok := ts.GetNextNeededPiece(handle)
	return ok
}

// ReserveNextNeededPiece selects and reserves a piece for handle to request,
// per §4.2's ascending-scan algorithm. Write-lock: must not let two
// concurrent callers reserve the same piece.
func (ts *TorrentState) ReserveNextNeededPiece(handle PeerHandle) (pieceIndex, bool) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	live := ts.peers.Live(handle)
	if live == nil {
		ts.logger.WithDefaultLevel(log.Debug).Printf("ReserveNextNeededPiece: %s not live", handle)
		return 0, false
	}
	if live.IAmChoked {
		ts.logger.WithDefaultLevel(log.Debug).Printf("ReserveNextNeededPiece: %s has us choked", handle)
		return 0, false
	}
	piece, ok := ts.getNextNeededPieceLocked(handle)
	if !ok {
		return 0, false
	}
	ts.chunks.ReserveNeededPiece(piece)
	ts.peers.AddInflightPiece(piece)
	return piece, true
}

// TryStealPiece picks, uniformly at random, a piece some other peer already
// holds requests for but handle does not, per §9's stealing policy
// ("uniform-random choice is intentional; deterministic selection starves
// tails"). Read-lock only — it doesn't reserve anything new, it just hints a
// second peer to also request the piece.
func (ts *TorrentState) TryStealPiece(handle PeerHandle) (pieceIndex, bool) {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	live := ts.peers.Live(handle)
	if live == nil {
		return 0, false
	}
	var candidates []pieceIndex
	for _, p := range ts.peers.InflightPieces() {
		already := false
		for req := range live.Inflight {
			if req.Piece == p {
				already = true
				break
			}
		}
		if !already && (!live.Bitfield.Ok || live.Bitfield.Value.Contains(p)) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// DropPeer removes handle and returns every InflightRequest it held to the
// tracker. Per the documented open question (spec §9), a piece is released
// back to needed on ANY holder's disconnect, even if another peer still has
// requests on it — wasteful but safe; stealing re-covers it.
func (ts *TorrentState) DropPeer(handle PeerHandle) bool {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	entry, ok := ts.peers.DropPeer(handle)
	if !ok {
		return false
	}
	if entry.live != nil {
		for req := range entry.live.Inflight {
			ts.chunks.MarkChunkRequestCancelled(req.Piece, req.Chunk)
			ts.peers.RemoveInflightPiece(req.Piece)
		}
	}
	return true
}

// HandleBitfield validates and installs a peer's advertised bitfield. A
// wrong-length bitfield, or one with trailing bits set beyond total_pieces,
// is a protocol violation: the peer is dropped with no state change (spec
// §6/§8).
func (ts *TorrentState) HandleBitfield(handle PeerHandle, raw []byte) error {
	bf, err := NewBitfieldFromBytes(raw, ts.lengths.TotalPieces())
	if err != nil {
		ts.DropPeer(handle)
		return err
	}
	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.peers.UpdateBitfieldFromVec(handle, bf)
	return nil
}

// HandleHave sets one bit in the peer's advertised bitfield.
func (ts *TorrentState) HandleHave(handle PeerHandle, piece pieceIndex) error {
	if _, err := ts.lengths.ValidatePieceIndex(piece); err != nil {
		ts.DropPeer(handle)
		return newError(PeerProtocol, "HandleHave", err)
	}
	ts.lock.Lock()
	defer ts.lock.Unlock()
	live := ts.peers.Live(handle)
	if live == nil {
		return nil
	}
	if !live.Bitfield.Ok {
		live.Bitfield = g.Some(NewBitfield())
	}
	live.Bitfield.Value.Set(piece)
	return nil
}

// HandleChoke/HandleUnchoke flip whether the peer is choking us.
func (ts *TorrentState) HandleChoke(handle PeerHandle)   { ts.setChoked(handle, true) }
func (ts *TorrentState) HandleUnchoke(handle PeerHandle) { ts.setChoked(handle, false) }

func (ts *TorrentState) setChoked(handle PeerHandle, choked bool) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.peers.MarkIAmChoked(handle, choked)
}

// HandleInterested/HandleNotInterested flip whether the peer is interested
// in us.
func (ts *TorrentState) HandleInterested(handle PeerHandle)    { ts.setPeerInterested(handle, true) }
func (ts *TorrentState) HandleNotInterested(handle PeerHandle) { ts.setPeerInterested(handle, false) }

func (ts *TorrentState) setPeerInterested(handle PeerHandle, interested bool) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	if live := ts.peers.Live(handle); live != nil {
		live.TheyAreInterested = interested
	}
}

// RequestChunk serves a peer Request from disk. If we don't have the piece,
// that's a protocol violation and the peer is dropped (spec §6).
func (ts *TorrentState) RequestChunk(handle PeerHandle, info ChunkInfo) ([]byte, error) {
	ts.lock.RLock()
	have := ts.chunks.IsPieceHave(info.PieceIndex)
	live := ts.peers.Live(handle)
	ts.lock.RUnlock()
	if !have {
		ts.DropPeer(handle)
		return nil, newError(PeerProtocol, "RequestChunk", fmt.Errorf("peer %s requested piece %d we don't have", handle, info.PieceIndex))
	}
	data, err := ts.fileOps.ReadChunk(string(handle), info)
	if err != nil {
		return nil, err
	}
	if live != nil {
		live.UploadedBytes.Add(int64(len(data)))
	}
	ts.stats.UploadedBytes.Add(int64(len(data)))
	return data, nil
}

// CancelRequest is a best-effort drop of a queued outbound Piece. The core
// doesn't itself queue outbound Piece payloads — RequestChunk returns data
// synchronously for the peer's writer task to send — so there is nothing to
// cancel at this layer; that queue, if any, lives in the (out-of-scope) wire
// writer task. This method exists for interface completeness with spec §6's
// Cancel message and is intentionally a no-op.
func (ts *TorrentState) CancelRequest(PeerHandle, ChunkInfo) {}

// WriteChunkBlocking, ReadChunkBlocking, and CheckPieceBlocking are thin
// wrappers over FileOps that hold no engine lock — only file locks (spec
// §4.5).
func (ts *TorrentState) WriteChunkBlocking(who string, info ChunkInfo, data []byte) error {
	return ts.fileOps.WriteChunk(who, info, data)
}

func (ts *TorrentState) ReadChunkBlocking(who string, info ChunkInfo) ([]byte, error) {
	return ts.fileOps.ReadChunk(who, info)
}

func (ts *TorrentState) CheckPieceBlocking(ctx context.Context, who string, piece pieceIndex) (bool, error) {
	return ts.fileOps.CheckPiece(ctx, who, piece, ts.lengths.LastChunkInfo(piece))
}

// HandlePieceMessage runs the piece-completion protocol (spec §4.5) for one
// delivered chunk: write it to disk, record it in ChunkTracker, and on piece
// completion verify and either mark have (broadcasting) or re-arm on
// failure. It is the single entry point a peer task calls for every Piece
// message it receives.
func (ts *TorrentState) HandlePieceMessage(ctx context.Context, handle PeerHandle, info ChunkInfo, data []byte) error {
	if err := ts.fileOps.WriteChunk(string(handle), info, data); err != nil {
		ts.lock.Lock()
		ts.chunks.MarkChunkRequestCancelled(info.PieceIndex, info.ChunkIndex)
		ts.peers.RemoveInflightPiece(info.PieceIndex)
		if live := ts.peers.Live(handle); live != nil {
			delete(live.Inflight, InflightRequest{Piece: info.PieceIndex, Chunk: info.ChunkIndex})
		}
		ts.lock.Unlock()
		ts.DropPeer(handle)
		return err
	}
	ts.stats.FetchedBytes.Add(int64(len(data)))

	ts.lock.Lock()
	if live := ts.peers.Live(handle); live != nil {
		delete(live.Inflight, InflightRequest{Piece: info.PieceIndex, Chunk: info.ChunkIndex})
	}
	outcome := ts.chunks.MarkChunkDownloaded(info)
	ts.lock.Unlock()

	switch outcome {
	case NotLastChunk, AlreadyHave:
		return nil
	case PieceComplete:
		return ts.completePiece(ctx, handle, info.PieceIndex)
	default:
		return fmt.Errorf("unreachable outcome %v", outcome)
	}
}

func (ts *TorrentState) completePiece(ctx context.Context, handle PeerHandle, piece pieceIndex) error {
	valid, err := ts.fileOps.CheckPiece(ctx, string(handle), piece, ts.lengths.LastChunkInfo(piece))
	if err != nil {
		return err
	}
	ts.lock.Lock()
	if valid {
		ts.chunks.MarkPieceHave(piece)
		ts.peers.RemoveInflightPiece(piece)
		ts.clearPeersInflightForPieceLocked(piece)
		pieceLen := ts.lengths.PieceLength(piece)
		ts.stats.HaveBytes.Add(pieceLen)
		ts.stats.DownloadedAndCheckedBytes.Add(pieceLen)
		if ts.chunks.GetNeededPieces().Count() == 0 {
			ts.completion.broadcast()
		}
		ts.logger.WithDefaultLevel(log.Debug).Printf("piece %d verified (%s)", piece, humanize.Bytes(uint64(pieceLen)))
		// Deferred so it runs strictly after this write-lock releases (spec §5
		// ordering guarantee): any peer observing our Have can assume we can
		// serve Request(piece, *).
		ts.lock.Defer(func() { ts.broadcastHave(piece) })
	} else {
		ts.chunks.ReleasePieceReservation(piece)
		ts.peers.RemoveInflightPiece(piece)
		ts.clearPeersInflightForPieceLocked(piece)
		ts.logger.WithDefaultLevel(log.Debug).Printf("piece %d failed verification, re-armed", piece)
	}
	ts.lock.Unlock()
	if ts.metrics != nil {
		ts.lock.RLock()
		stats := ts.peers.Stats()
		ts.lock.RUnlock()
		ts.metrics.update(&ts.stats, stats)
	}
	return nil
}

// clearPeersInflightForPieceLocked removes every InflightRequest for piece
// from every live peer. Must be called with the write lock held.
func (ts *TorrentState) clearPeersInflightForPieceLocked(piece pieceIndex) {
	for _, e := range ts.peers.states {
		if e.live == nil {
			continue
		}
		for req := range e.live.Inflight {
			if req.Piece == piece {
				delete(e.live.Inflight, req)
			}
		}
	}
}

// AddInflightRequest records that handle now owns InflightRequest{piece,
// chunk}, invoked by a peer task right after it writes a Request message to
// the wire (spec invariant 1).
func (ts *TorrentState) AddInflightRequest(handle PeerHandle, req InflightRequest) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	if live := ts.peers.Live(handle); live != nil {
		live.Inflight[req] = struct{}{}
	}
}

// CandidatePeersForPiece returns the handles of live peers that are not
// choking us and advertise piece (SPEC_FULL §12), for an external scheduler to decide
// who to ask next without the core making network calls itself.
func (ts *TorrentState) CandidatePeersForPiece(piece pieceIndex) []PeerHandle {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	var out []PeerHandle
	for addr, e := range ts.peers.states {
		if e.live == nil || e.live.IAmChoked {
			continue
		}
		if e.live.Bitfield.Ok && e.live.Bitfield.Value.Contains(piece) {
			out = append(out, addr)
		}
	}
	return out
}

// Snapshot is a point-in-time view of aggregate progress (SPEC_FULL §12).
type Snapshot struct {
	HaveBytes                 int64
	DownloadedAndCheckedBytes int64
	UploadedBytes             int64
	FetchedBytes              int64
	TotalLength               int64
	Peers                     PeerStatsSnapshot
}

// Snapshot returns a read-locked copy of aggregate progress.
func (ts *TorrentState) Snapshot() Snapshot {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	return Snapshot{
		HaveBytes:                 ts.stats.HaveBytes.Int64(),
		DownloadedAndCheckedBytes: ts.stats.DownloadedAndCheckedBytes.Int64(),
		UploadedBytes:             ts.stats.UploadedBytes.Int64(),
		FetchedBytes:              ts.stats.FetchedBytes.Int64(),
		TotalLength:               ts.lengths.TotalLength(),
		Peers:                     ts.peers.Stats(),
	}
}

// WaitUntilComplete blocks until downloaded_and_checked == total_length or
// ctx is cancelled (SPEC_FULL §12), using the completion condvar adapted
// from the teacher's Event/compatCond.
func (ts *TorrentState) WaitUntilComplete(ctx context.Context) error {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	for ts.chunks.GetNeededPieces().Count() != 0 || ts.chunks.have.Count() != ts.lengths.TotalPieces() {
		if ts.lengths.TotalPieces() == 0 {
			return nil
		}
		if err := ts.completion.wait(ctx, &ts.lock); err != nil {
			return err
		}
	}
	return nil
}

// String renders a one-line status, in the spirit of the teacher's
// writeStatus helpers, useful for debug logging.
func (ts *TorrentState) String() string {
	var b bytes.Buffer
	s := ts.Snapshot()
	fmt.Fprintf(&b, "%s/%s have, %d peers (%d connecting)", humanize.Bytes(uint64(s.HaveBytes)), humanize.Bytes(uint64(s.TotalLength)), s.Peers.Live, s.Peers.Connecting)
	return b.String()
}
