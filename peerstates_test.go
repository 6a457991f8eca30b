package torrent

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerStatesAddIfNotSeenRejectsDuplicate(t *testing.T) {
	ps := NewPeerStates(log.Default)
	tx1 := NewPeerTx(4)
	handle, ok := ps.AddIfNotSeen("1.2.3.4:6881", tx1)
	require.True(t, ok)
	assert.Equal(t, PeerHandle("1.2.3.4:6881"), handle)

	_, ok = ps.AddIfNotSeen("1.2.3.4:6881", NewPeerTx(4))
	assert.False(t, ok, "seen_peers must reject a re-add of the same address")
}

func TestPeerStatesSetLiveTransition(t *testing.T) {
	ps := NewPeerStates(log.Default)
	handle, _ := ps.AddIfNotSeen("peerA", NewPeerTx(4))

	assert.Nil(t, ps.Live(handle), "not live until handshake")
	hs := Handshake{PeerID: [20]byte{1}, InfoHash: [20]byte{2}}
	ps.SetPeerLive(handle, hs)
	live := ps.Live(handle)
	require.NotNil(t, live)
	assert.True(t, live.IAmChoked, "connections start choked per BEP3")
	assert.True(t, live.TheyAreChoked)
	assert.Equal(t, hs.PeerID, live.PeerID)
}

func TestPeerStatesSetLiveTwiceIsNoop(t *testing.T) {
	ps := NewPeerStates(log.Default)
	handle, _ := ps.AddIfNotSeen("peerA", NewPeerTx(4))
	hs := Handshake{PeerID: [20]byte{1}}
	ps.SetPeerLive(handle, hs)
	first := ps.Live(handle)

	ps.SetPeerLive(handle, Handshake{PeerID: [20]byte{9}})
	assert.Same(t, first, ps.Live(handle), "a second SetPeerLive must not replace existing live state")
}

func TestPeerStatesDropPeerReturnsInflight(t *testing.T) {
	ps := NewPeerStates(log.Default)
	handle, _ := ps.AddIfNotSeen("peerA", NewPeerTx(4))
	ps.SetPeerLive(handle, Handshake{})
	ps.Live(handle).Inflight[InflightRequest{Piece: 3, Chunk: 0}] = struct{}{}

	entry, ok := ps.DropPeer(handle)
	require.True(t, ok)
	require.NotNil(t, entry.live)
	assert.Len(t, entry.live.Inflight, 1)
	assert.Nil(t, ps.Live(handle))

	_, ok = ps.DropPeer(handle)
	assert.False(t, ok, "dropping twice must report absence")
}

func TestPeerStatesStats(t *testing.T) {
	ps := NewPeerStates(log.Default)
	h1, _ := ps.AddIfNotSeen("peerA", NewPeerTx(4))
	ps.AddIfNotSeen("peerB", NewPeerTx(4))
	ps.SetPeerLive(h1, Handshake{})

	s := ps.Stats()
	assert.Equal(t, 1, s.Live)
	assert.Equal(t, 1, s.Connecting)
}

func TestPeerTxSendAfterCloseIsNoop(t *testing.T) {
	tx := NewPeerTx(1)
	tx.Close()
	assert.False(t, tx.Send(HaveMessage{Piece: 0}))
}

func TestPeerTxSendDropsWhenFull(t *testing.T) {
	tx := NewPeerTx(1)
	assert.True(t, tx.Send(HaveMessage{Piece: 0}))
	assert.False(t, tx.Send(HaveMessage{Piece: 1}), "bounded channel must drop rather than block")
}
