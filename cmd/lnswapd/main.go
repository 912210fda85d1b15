// Package main provides the lnswapd daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/lnswap/lnswapd/internal/backend"
	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/config"
	"github.com/lnswap/lnswapd/internal/contracts/lnswap"
	"github.com/lnswap/lnswapd/internal/lightning"
	"github.com/lnswap/lnswapd/internal/node"
	"github.com/lnswap/lnswapd/internal/quote"
	"github.com/lnswap/lnswapd/internal/rpc"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/internal/swap"
	"github.com/lnswap/lnswapd/internal/sync"
	"github.com/lnswap/lnswapd/internal/wallet"
	"github.com/lnswap/lnswapd/internal/watcher"
	"github.com/lnswap/lnswapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.lnswapd", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr        = flag.String("api", "", "JSON-RPC API address, overrides config")
		listenAddr     = flag.String("listen", "", "P2P listen address (multiaddr), overrides config")
		busMode        = flag.String("bus", "", "Bus mode (memory, gossip), overrides config")
		roles          = flag.String("roles", "", "Comma-separated roles to run (api, lightning, watcher, ticker)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("lnswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *busMode != "" {
		cfg.Bus.Mode = *busMode
	}
	if *roles != "" {
		cfg.Roles = splitList(*roles)
	}
	if cfg.Bus.P2P != nil {
		if *listenAddr != "" {
			cfg.Bus.P2P.ListenAddrs = []string{*listenAddr}
		}
		if *bootstrapPeers != "" {
			cfg.Bus.P2P.BootstrapPeers = splitList(*bootstrapPeers)
		}
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *configFile == "" {
		cfg.Storage.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logOut, err := logOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer logOut.Close()
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		JSON:       cfg.Logging.JSON,
		Output:     logOut,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to start", "error", err)
	}
	defer d.close()

	printBanner(log, d, cfg)

	g, gctx := errgroup.WithContext(ctx)
	d.run(gctx, g)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutting down...")
	case <-gctx.Done():
		log.Error("Task failed, shutting down")
	}
	cancel()

	if err := g.Wait(); err != nil {
		log.Error("Task error", "error", err)
	}
	log.Info("Goodbye!")
}

// daemon holds the components of one lnswapd process. Fields of roles the
// process doesn't run stay nil.
type daemon struct {
	cfg *config.Config
	log *logging.Logger

	store  *storage.Storage
	shared *sharedStore
	bus    bus.Bus
	cache  *bus.ReplicatedCache
	node   *node.Node
	sync   *sync.OrderSync

	claimer  *swap.Claimer
	adapters []swap.ChainAdapter
	watchers []runner
	eth      []*ethclient.Client

	ln        *lightning.LNDClient
	lnTask    *lightning.Task
	quotes    *quote.Service
	ticker    *quote.Ticker
	rpcServer *rpc.Server
}

type runner interface {
	Run(ctx context.Context) error
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logging.GetDefault()}
	if err := d.setup(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) setup(ctx context.Context) error {
	cfg := d.cfg
	var err error

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	d.store, err = storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	d.log.Info("Storage initialized", "path", d.store.Path())

	if err := d.setupBus(ctx, dataPath); err != nil {
		return err
	}
	d.shared = &sharedStore{Storage: d.store, cache: d.cache}

	var keys *wallet.Keyring
	if cfg.HasRole(config.RoleAPI) || cfg.HasRole(config.RoleWatcher) {
		keys, err = loadKeyring(cfg, d.log)
		if err != nil {
			return err
		}
	}

	if cfg.HasRole(config.RoleWatcher) {
		d.claimer = swap.NewClaimer(d.store, d.bus)
	}
	if cfg.HasRole(config.RoleAPI) || cfg.HasRole(config.RoleWatcher) {
		for i := range cfg.Chains {
			if err := d.setupChain(ctx, &cfg.Chains[i], keys); err != nil {
				return fmt.Errorf("chain %s: %w", cfg.Chains[i].Network, err)
			}
		}
	}

	if cfg.HasRole(config.RoleAPI) || cfg.HasRole(config.RoleLightning) {
		d.ln, err = lightning.NewLNDClient(cfg.Lightning)
		if err != nil {
			return fmt.Errorf("failed to connect to lnd: %w", err)
		}
		d.log.Info("Connected to lnd", "host", cfg.Lightning.Host)
	}
	if cfg.HasRole(config.RoleLightning) {
		d.lnTask = lightning.NewTask(d.ln, d.shared, d.bus)
	}
	if cfg.HasRole(config.RoleTicker) && cfg.Ticker.Enabled {
		d.ticker = quote.NewTicker(cfg.Ticker, cfg.Quote.Fees, d.shared)
	}

	if cfg.HasRole(config.RoleAPI) {
		d.quotes = quote.NewService(cfg.Quote, d.ln, d.store, d.bus, d.adapters...)
		var peers rpc.PeerCounter
		if d.node != nil {
			peers = d.node
		}
		d.rpcServer = rpc.NewServer(cfg.RPC, d.quotes, d.store, d.bus, peers)
		if err := d.rpcServer.Start(ctx); err != nil {
			return err
		}
		if d.node != nil {
			d.broadcastPeerEvents()
		}
	}

	if d.node != nil {
		if err := d.node.Start(); err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}
		if cfg.Bus.Sync {
			d.sync = sync.NewOrderSync(d.node.Host(), d.store, d.bus)
			if err := d.sync.Start(); err != nil {
				d.log.Warn("Failed to start order sync", "error", err)
			}
		}
	}

	return nil
}

// setupBus creates the in-memory bus or joins the gossip mesh.
func (d *daemon) setupBus(ctx context.Context, dataPath string) error {
	if d.cfg.Bus.Mode == config.BusMemory {
		d.bus = bus.NewMemory()
		return nil
	}

	n, err := node.New(ctx, d.cfg.Bus.P2P, dataPath, d.store)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	d.node = n

	g, err := bus.NewGossip(ctx, n.PubSub(), n.ID())
	if err != nil {
		return fmt.Errorf("failed to join order topic: %w", err)
	}
	d.bus = g

	d.cache, err = bus.NewReplicatedCache(ctx, n.PubSub(), n.ID(), d.store)
	if err != nil {
		return fmt.Errorf("failed to join cache topic: %w", err)
	}
	return nil
}

// sharedStore is the order store with cache writes announced to every
// process on the mesh. Heights, routes and prices are written by the
// watcher, lightning and ticker roles but read by the API role.
type sharedStore struct {
	*storage.Storage
	cache *bus.ReplicatedCache
}

func (s *sharedStore) SetCache(key, value string, ttl time.Duration) error {
	if s.cache == nil {
		return s.Storage.SetCache(key, value, ttl)
	}
	return s.cache.SetCache(key, value, ttl)
}

// setupChain creates the adapter and, for the watcher role, the watcher of
// one chain.
func (d *daemon) setupChain(ctx context.Context, cc *config.ChainConfig, keys *wallet.Keyring) error {
	params := cc.Params()
	watch := d.cfg.HasRole(config.RoleWatcher)

	var adapter swap.ChainAdapter
	switch {
	case params.IsUTXO():
		client := backend.NewBitcoindClient(&cc.Backend)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		a, err := swap.NewUTXOAdapter(params, keys, client, cc.ClaimAddress)
		if err != nil {
			return err
		}
		adapter = a

		if watch {
			feed, err := backend.NewPollingFeed(client, cc.Backend.PollInterval)
			if err != nil {
				return err
			}
			d.watchers = append(d.watchers, watcher.NewUTXOWatcher(params, feed, client, d.shared, d.bus, d.claimer))
		}

	case params.IsAccount():
		client, err := ethclient.DialContext(ctx, cc.WSURL)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", cc.WSURL, err)
		}
		d.eth = append(d.eth, client)

		addr := common.HexToAddress(cc.ContractAddress)
		contract, err := lnswap.New(addr, client)
		if err != nil {
			return err
		}
		key, err := keys.AccountKey(params)
		if err != nil {
			return err
		}

		var gas swap.GasPricer
		if watch {
			w, err := watcher.NewAccountWatcher(params, cc.WSURL, addr, d.shared, d.bus, d.claimer)
			if err != nil {
				return err
			}
			d.watchers = append(d.watchers, w)
			gas = w
		}
		a, err := swap.NewAccountAdapter(params, contract, key, gas)
		if err != nil {
			return err
		}
		adapter = a
	}

	d.adapters = append(d.adapters, adapter)
	if d.claimer != nil {
		d.claimer.AddAdapter(adapter)
	}
	d.log.Info("Chain ready", "network", params.Network, "watching", watch)
	return nil
}

// broadcastPeerEvents forwards mesh membership changes to websocket
// clients.
func (d *daemon) broadcastPeerEvents() {
	hub := d.rpcServer.WSHub()
	nodeLog := d.log.Component("p2p")
	notify := func(ev rpc.EventType, msg string) func(peer.ID) {
		return func(p peer.ID) {
			nodeLog.Info(msg, "peer", shortID(p), "total", d.node.PeerCount())
			hub.Broadcast(ev, map[string]interface{}{
				"peer_id":     p.String(),
				"total_peers": d.node.PeerCount(),
			})
		}
	}
	d.node.OnPeerConnected(notify(rpc.EventPeerConnected, "Peer connected"))
	d.node.OnPeerDisconnected(notify(rpc.EventPeerDisconnected, "Peer disconnected"))
}

// run starts every task of the process on g.
func (d *daemon) run(ctx context.Context, g *errgroup.Group) {
	for _, w := range d.watchers {
		w := w
		g.Go(func() error { return quiet(w.Run(ctx)) })
	}
	if d.lnTask != nil {
		g.Go(func() error { return quiet(d.lnTask.Run(ctx)) })
	}
	if d.ticker != nil {
		g.Go(func() error { return quiet(d.ticker.Run(ctx)) })
	}
	if d.mirrors() {
		g.Go(func() error { return quiet(bus.Mirror(ctx, d.bus, d.store)) })
	}
	g.Go(func() error {
		d.purgeCache(ctx)
		return nil
	})
	g.Go(func() error {
		d.statusLoop(ctx)
		return nil
	})
}

// mirrors reports whether the process must copy bus messages into its
// own store. Watchers and the lightning task apply what they receive;
// an API-only process on the mesh would otherwise never see an order
// move past WaitingForFunding.
func (d *daemon) mirrors() bool {
	return d.node != nil &&
		d.cfg.HasRole(config.RoleAPI) &&
		!d.cfg.HasRole(config.RoleWatcher) &&
		!d.cfg.HasRole(config.RoleLightning)
}

func (d *daemon) purgeCache(ctx context.Context) {
	interval := d.cfg.Storage.CachePurgeInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.PurgeExpiredCache()
			if err != nil {
				d.log.Warn("Cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				d.log.Debug("Purged expired cache entries", "count", n)
			}
		}
	}
}

func (d *daemon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := d.store.CountOrders()
			if err != nil {
				d.log.Warn("Failed to count orders", "error", err)
			}
			kv := []interface{}{"orders", counts}
			if d.node != nil {
				kv = append(kv, "peers", d.node.PeerCount(), "uptime", d.node.Uptime().Round(time.Second))
			}
			d.log.Info("Status", kv...)
		}
	}
}

// close releases everything newDaemon opened, in reverse order.
func (d *daemon) close() {
	if d.rpcServer != nil {
		if err := d.rpcServer.Stop(); err != nil {
			d.log.Error("Error stopping RPC server", "error", err)
		}
	}
	if d.sync != nil {
		d.sync.Stop()
	}
	if d.ln != nil {
		d.ln.Close()
	}
	for _, c := range d.eth {
		c.Close()
	}
	if d.cache != nil {
		d.cache.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.node != nil {
		if err := d.node.Stop(); err != nil {
			d.log.Error("Error stopping node", "error", err)
		}
	}
	if d.store != nil {
		d.store.Close()
	}
}

// loadKeyring opens the mnemonic file, creating one on first run.
func loadKeyring(cfg *config.Config, log *logging.Logger) (*wallet.Keyring, error) {
	path := cfg.DataPath(cfg.Wallet.MnemonicFile)
	password := os.Getenv(cfg.Wallet.PasswordEnv)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createMnemonic(path, password); err != nil {
			return nil, err
		}
		log.Warn("Generated a new mnemonic, back it up", "path", path, "sealed", password != "")
	}

	mnemonic, err := wallet.LoadMnemonic(path, password)
	if err != nil {
		return nil, err
	}
	return wallet.NewKeyring(mnemonic, "")
}

func createMnemonic(path, password string) error {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return err
	}
	if password != "" {
		sealed, err := wallet.SealMnemonic(mnemonic, password)
		if err != nil {
			return err
		}
		return sealed.Save(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(mnemonic+"\n"), 0600)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func logOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stderr}, nil
	}
	return logging.OpenFile(config.ExpandPath(path))
}

// quiet drops the error a task returns when its context is cancelled.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printBanner(log *logging.Logger, d *daemon, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  lnswapd %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Roles: %s", strings.Join(cfg.Roles, ", "))
	networks := make([]string, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		networks = append(networks, c.Network)
	}
	log.Infof("  Chains: %s", strings.Join(networks, ", "))
	log.Infof("  Bus: %s", cfg.Bus.Mode)
	if d.node != nil {
		log.Infof("  Peer ID: %s", d.node.ID().String())
		log.Info("  Listening on:")
		for _, addr := range d.node.P2PAddrs() {
			log.Infof("    %s", addr)
		}
	}
	if d.rpcServer != nil {
		log.Info("")
		log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	}
	log.Info("")
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
