package torrent

import (
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
)

// PeerHandle identifies a peer; equal to its socket address, per the
// GLOSSARY's definition of Handle.
type PeerHandle string

// InflightRequest is a chunk that has been requested from a peer and not yet
// delivered.
type InflightRequest struct {
	Piece pieceIndex
	Chunk int
}

// Handshake is the already-parsed logical form of a peer handshake; framing
// and encoding are the wire codec's job (out of scope).
type Handshake struct {
	PeerID   [20]byte
	InfoHash [20]byte
}

// OutboundMessage is the logical form of a message queued for delivery to a
// peer's writer task. The wire encoding of these is out of scope; the core
// only ever produces HaveMessage (spec §4.5 Broadcast).
type OutboundMessage interface {
	isOutboundMessage()
}

// HaveMessage announces that we now hold a piece.
type HaveMessage struct {
	Piece pieceIndex
}

func (HaveMessage) isOutboundMessage() {}

// PeerTx is the shared, weakly-held outbound channel for one peer (spec §3:
// "tx: outbound message channel per peer, shared ownership so broadcasters
// can hold a weak handle"). Go has no ref-counted weak pointers, so "weak"
// here just means: holding a *PeerTx never keeps the peer's writer goroutine
// running past its own lifetime, and a Send after the peer's gone is a
// harmless no-op rather than a panic or block.
type PeerTx struct {
	ch     chan OutboundMessage
	closed chansync.SetOnce
}

// NewPeerTx returns a bounded outbound channel with the given capacity. The
// bound contains backpressure on a slow peer to that peer's own writer task
// (spec §5); it never blocks the engine lock.
func NewPeerTx(capacity int) *PeerTx {
	return &PeerTx{ch: make(chan OutboundMessage, capacity)}
}

// Close marks the channel closed; subsequent Send calls are no-ops.
func (tx *PeerTx) Close() {
	if tx.closed.Set() {
		close(tx.ch)
	}
}

// Send attempts a non-blocking best-effort delivery. It returns false if the
// channel is closed or full — both are treated identically by callers
// (spec §4.5: "a failed send is swallowed").
func (tx *PeerTx) Send(msg OutboundMessage) bool {
	if tx.closed.IsSet() {
		return false
	}
	select {
	case tx.ch <- msg:
		return true
	default:
		return false
	}
}

// Outbound returns the receive side of the channel, consumed by the peer's
// writer task (external to this package).
func (tx *PeerTx) Outbound() <-chan OutboundMessage {
	return tx.ch
}

// LivePeerState is the state of a peer after a successful handshake, per
// spec §3.
type LivePeerState struct {
	PeerID [20]byte

	// Bitfield is absent (None) until the peer's BITFIELD (or first HAVE)
	// arrives, per spec §3's optional-field contract.
	Bitfield g.Option[*Bitfield]

	IAmChoked        bool
	TheyAreChoked    bool
	IAmInterested    bool
	TheyAreInterested bool

	// Inflight is the set of chunks this specific peer is responsible for.
	Inflight map[InflightRequest]struct{}

	// UploadedBytes is reciprocation bookkeeping (SPEC_FULL §12): a counter
	// a future seeding policy could read, not itself a policy.
	UploadedBytes Count
}

func newLivePeerState(hs Handshake) *LivePeerState {
	return &LivePeerState{
		PeerID:        hs.PeerID,
		IAmChoked:     true, // per BEP3, connections start choked both ways
		TheyAreChoked: true,
		Inflight:      make(map[InflightRequest]struct{}),
	}
}

// peerEntry is the tagged union described by spec §3: "states: variant over
// {Connecting(addr), Live(LivePeerState)}."
type peerEntry struct {
	addr PeerHandle
	live *LivePeerState // nil while Connecting
}

func (e *peerEntry) isLive() bool { return e.live != nil }

// PeerStates is the registry of peers by address (C4). Every method assumes
// the caller holds TorrentState's engine lock at the appropriate level;
// PeerStates has no lock of its own.
type PeerStates struct {
	states         map[PeerHandle]*peerEntry
	tx             map[PeerHandle]*PeerTx
	seenPeers      map[PeerHandle]struct{}
	inflightPieces map[pieceIndex]struct{}
	logger         log.Logger
}

// NewPeerStates builds an empty registry.
func NewPeerStates(logger log.Logger) *PeerStates {
	return &PeerStates{
		states:         make(map[PeerHandle]*peerEntry),
		tx:             make(map[PeerHandle]*PeerTx),
		seenPeers:      make(map[PeerHandle]struct{}),
		inflightPieces: make(map[pieceIndex]struct{}),
		logger:         logger,
	}
}

// AddIfNotSeen admits addr unless it's already in seen_peers, inserting it as
// Connecting and recording tx. Returns the handle (equal to addr) and
// whether the peer was admitted.
func (ps *PeerStates) AddIfNotSeen(addr PeerHandle, tx *PeerTx) (PeerHandle, bool) {
	if _, ok := ps.seenPeers[addr]; ok {
		return "", false
	}
	ps.seenPeers[addr] = struct{}{}
	ps.states[addr] = &peerEntry{addr: addr}
	ps.tx[addr] = tx
	return addr, true
}

// SetPeerLive transitions Connecting->Live. If the handle is already Live or
// absent, it logs a warning and does nothing, preserving spec invariant 5.
func (ps *PeerStates) SetPeerLive(handle PeerHandle, hs Handshake) {
	e, ok := ps.states[handle]
	if !ok || e.isLive() {
		ps.logger.WithDefaultLevel(log.Warning).Printf("SetPeerLive: %s not Connecting (present=%v)", handle, ok)
		return
	}
	e.live = newLivePeerState(hs)
}

// DropPeer removes handle from states and tx atomically, returning whatever
// state it had so the caller can reap in-flight requests (spec invariant 5).
func (ps *PeerStates) DropPeer(handle PeerHandle) (*peerEntry, bool) {
	e, ok := ps.states[handle]
	if !ok {
		return nil, false
	}
	delete(ps.states, handle)
	delete(ps.tx, handle)
	return e, true
}

// Live returns the live state for handle, or nil if it isn't Live.
func (ps *PeerStates) Live(handle PeerHandle) *LivePeerState {
	e, ok := ps.states[handle]
	if !ok {
		return nil
	}
	return e.live
}

// MarkIAmChoked sets whether we're choked by the peer. No-op on non-live.
func (ps *PeerStates) MarkIAmChoked(handle PeerHandle, choked bool) {
	if live := ps.Live(handle); live != nil {
		live.IAmChoked = choked
	}
}

// UpdateBitfieldFromVec replaces the peer's advertised bitfield. No-op on
// non-live; callers are expected to have already validated its length via
// NewBitfieldFromBytes before calling this (spec §6).
func (ps *PeerStates) UpdateBitfieldFromVec(handle PeerHandle, bf *Bitfield) {
	if live := ps.Live(handle); live != nil {
		live.Bitfield = g.Some(bf)
	}
}

// CloneTx returns the shared sender for handle, used by a writer task to
// post outbound messages without holding the engine lock.
func (ps *PeerStates) CloneTx(handle PeerHandle) (*PeerTx, bool) {
	tx, ok := ps.tx[handle]
	return tx, ok
}

// PeerStatsSnapshot is the O(n) aggregate spec §4.4's stats() returns.
type PeerStatsSnapshot struct {
	Connecting int
	Live       int
}

// Stats walks all peers and counts them by connection phase.
func (ps *PeerStates) Stats() PeerStatsSnapshot {
	var s PeerStatsSnapshot
	for _, e := range ps.states {
		if e.isLive() {
			s.Live++
		} else {
			s.Connecting++
		}
	}
	return s
}

// AddInflightPiece records that some live peer has reserved piece.
func (ps *PeerStates) AddInflightPiece(piece pieceIndex) {
	ps.inflightPieces[piece] = struct{}{}
}

// RemoveInflightPiece clears the inflight marker for piece.
func (ps *PeerStates) RemoveInflightPiece(piece pieceIndex) {
	delete(ps.inflightPieces, piece)
}

// IsInflightPiece reports whether piece is currently reserved by some peer.
func (ps *PeerStates) IsInflightPiece(piece pieceIndex) bool {
	_, ok := ps.inflightPieces[piece]
	return ok
}

// InflightPieces returns a snapshot slice of currently-inflight piece
// indices, for §4.5's try_steal_piece to choose uniformly among.
func (ps *PeerStates) InflightPieces() []pieceIndex {
	out := make([]pieceIndex, 0, len(ps.inflightPieces))
	for p := range ps.inflightPieces {
		out = append(out, p)
	}
	return out
}
