package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/lnswap/lnswapd/internal/storage"
)

// PeerStore persists peers across restarts. *storage.Storage satisfies it.
type PeerStore interface {
	SavePeer(peerID string, addrs []string) error
	ListRecentPeers(since time.Duration, limit int) ([]*storage.PeerRecord, error)
}

const (
	persistedPeerWindow = 7 * 24 * time.Hour
	persistedPeerLimit  = 100
)

// loadPersistedPeers adds recently seen peers to the libp2p peerstore so
// the DHT and GossipSub can dial them.
func (n *Node) loadPersistedPeers() {
	records, err := n.peers.ListRecentPeers(persistedPeerWindow, persistedPeerLimit)
	if err != nil {
		n.log.Warn("Failed to load persisted peers", "error", err)
		return
	}

	loaded := 0
	for _, record := range records {
		id, addrs, ok := decodePeerRecord(record)
		if !ok || id == n.host.ID() {
			continue
		}
		n.host.Peerstore().AddAddrs(id, addrs, peerstore.TempAddrTTL)
		go n.connect(peer.AddrInfo{ID: id, Addrs: addrs}, 10*time.Second)
		loaded++
	}

	if loaded > 0 {
		n.log.Info("Loaded persisted peers", "count", loaded)
	}
}

func decodePeerRecord(record *storage.PeerRecord) (peer.ID, []multiaddr.Multiaddr, bool) {
	id, err := peer.Decode(record.PeerID)
	if err != nil {
		return "", nil, false
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(record.Addresses))
	for _, s := range record.Addresses {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return id, addrs, len(addrs) > 0
}

func encodeAddrs(addrs []multiaddr.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
