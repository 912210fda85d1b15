package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lnswap/lnswapd/pkg/logging"
)

// PeerMonitor records every peer that connects and reports connectedness
// changes to the registered handlers.
type PeerMonitor struct {
	host  host.Host
	peers PeerStore
	log   *logging.Logger

	onConnected    []func(peer.ID)
	onDisconnected []func(peer.ID)
}

// NewPeerMonitor creates a peer monitor. peers may be nil.
func NewPeerMonitor(h host.Host, peers PeerStore) *PeerMonitor {
	return &PeerMonitor{
		host:  h,
		peers: peers,
		log:   logging.GetDefault().Component("peer-monitor"),
	}
}

// Start subscribes to connectedness events until ctx ends.
func (m *PeerMonitor) Start(ctx context.Context) error {
	sub, err := m.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}
	go m.run(ctx, sub)
	return nil
}

func (m *PeerMonitor) run(ctx context.Context, sub event.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Out():
			if !ok {
				return
			}
			e, ok := ev.(event.EvtPeerConnectednessChanged)
			if !ok {
				continue
			}
			switch e.Connectedness {
			case network.Connected:
				m.handleConnected(e.Peer)
			case network.NotConnected:
				m.log.Debug("Peer disconnected", "peer", shortID(e.Peer))
				for _, fn := range m.onDisconnected {
					fn(e.Peer)
				}
			}
		}
	}
}

func (m *PeerMonitor) handleConnected(id peer.ID) {
	for _, fn := range m.onConnected {
		fn(id)
	}
	if m.peers == nil {
		return
	}
	addrs := m.host.Peerstore().Addrs(id)
	if len(addrs) == 0 {
		return
	}
	if err := m.peers.SavePeer(id.String(), encodeAddrs(addrs)); err != nil {
		m.log.Debug("Failed to save connected peer", "peer", shortID(id), "error", err)
		return
	}
	m.log.Debug("Peer connected", "peer", shortID(id))
}
