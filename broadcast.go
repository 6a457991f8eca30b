package torrent

// broadcastHave collects a weak handle (the *PeerTx itself; see PeerTx's
// doc) to every live peer's outbound channel under the read-lock, releases
// the lock, then best-effort-sends Have(piece) to each — mirroring the
// teacher's chansync-based writer goroutines, which never hold the client
// lock while pushing to a peer's channel. A failed send (the peer's channel is
// closed or full) is swallowed; a peer dropped concurrently is an acceptable
// and expected race (spec §9).
func (ts *TorrentState) broadcastHave(piece pieceIndex) {
	ts.lock.RLock()
	txs := make([]*PeerTx, 0, len(ts.peers.tx))
	for _, tx := range ts.peers.tx {
		txs = append(txs, tx)
	}
	ts.lock.RUnlock()

	msg := HaveMessage{Piece: piece}
	for _, tx := range txs {
		tx.Send(msg) // best-effort; a dropped peer's Send is a harmless no-op
	}
}
