package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/lnswap/lnswapd/pkg/logging"
)

// Node is the libp2p host of one lnswapd process.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	config *Config
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	peers       PeerStore
	peerMonitor *PeerMonitor

	onConnected    []func(peer.ID)
	onDisconnected []func(peer.ID)

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New creates the host, the DHT (if enabled) and GossipSub. peers may be
// nil, in which case known peers are not persisted.
func New(ctx context.Context, cfg *Config, dataDir string, peers PeerStore) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		config: cfg,
		peers:  peers,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
	}

	privKey, err := n.loadOrCreateKey(cfg.keyPath(dataDir))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.ConnMgr.LowWater,
		cfg.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	if cfg.EnableDHT {
		if err := n.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	if cfg.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, cfg.DiscoveryNamespace(), n)
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return n, nil
}

func (n *Node) loadOrCreateKey(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	n.log.Info("Generated new node identity")
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(n.config.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go n.connect(pi, 10*time.Second)
}

// Start loads persisted peers, dials the bootstrap peers and begins
// discovery.
func (n *Node) Start() error {
	n.startTime = time.Now()

	if n.peers != nil {
		n.loadPersistedPeers()
	}
	n.peerMonitor = NewPeerMonitor(n.host, n.peers)
	n.peerMonitor.onConnected = n.onConnected
	n.peerMonitor.onDisconnected = n.onDisconnected
	if err := n.peerMonitor.Start(n.ctx); err != nil {
		n.log.Warn("Failed to start peer monitor", "error", err)
	}

	for _, addrStr := range n.config.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			n.log.Warn("Invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("Invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			if err := n.connect(pi, 30*time.Second); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		go n.discoverPeers()
	}

	n.log.Info("Node started", "id", shortID(n.host.ID()), "addrs", n.host.Addrs())
	return nil
}

// OnPeerConnected registers fn to run when a peer connects. Handlers must
// be registered before Start.
func (n *Node) OnPeerConnected(fn func(peer.ID)) {
	n.onConnected = append(n.onConnected, fn)
}

// OnPeerDisconnected registers fn to run when a peer disconnects.
func (n *Node) OnPeerDisconnected(fn func(peer.ID)) {
	n.onDisconnected = append(n.onDisconnected, fn)
}

func (n *Node) connect(pi peer.AddrInfo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	return n.host.Connect(ctx, pi)
}

func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() || n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go n.connect(pi, 10*time.Second)
			}
		}
	}
}

// Stop shuts the host down.
func (n *Node) Stop() error {
	n.cancel()
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// P2PAddrs returns the listen addresses with the /p2p/<id> suffix, in the
// form expected by BootstrapPeers.
func (n *Node) P2PAddrs() []string {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// PubSub returns the GossipSub router used by the bus.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.pubsub
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// ConnectByAddr connects to a peer by multiaddr string.
func (n *Node) ConnectByAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer addr info: %w", err)
	}
	return n.host.Connect(ctx, *pi)
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
