package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lnswap/lnswapd/pkg/logging"
)

// CacheTopic carries shared cache writes between processes.
const CacheTopic = "/lnswap/cache/1"

// CacheStore is the local cache a ReplicatedCache writes through to.
type CacheStore interface {
	SetCache(key, value string, ttl time.Duration) error
}

type cacheEntry struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Value  string `json:"value"`
	TTL    int64  `json:"ttl_ms,omitempty"`
}

// ReplicatedCache writes cache entries to the local store and gossips
// them so that every process sees chain heights, routes and prices
// published by whichever process owns them.
type ReplicatedCache struct {
	self  peer.ID
	store CacheStore
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReplicatedCache joins the cache topic on ps.
func NewReplicatedCache(ctx context.Context, ps *pubsub.PubSub, self peer.ID, store CacheStore) (*ReplicatedCache, error) {
	c := newReplicatedCache(self, store)

	topic, err := ps.Join(CacheTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", CacheTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", CacheTopic, err)
	}
	c.topic = topic
	c.sub = sub
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.processMessages()

	c.log.Info("Joined cache topic", "topic", CacheTopic)
	return c, nil
}

func newReplicatedCache(self peer.ID, store CacheStore) *ReplicatedCache {
	return &ReplicatedCache{
		self:  self,
		store: store,
		log:   logging.GetDefault().Component("cache"),
	}
}

// SetCache stores the entry locally and announces it to peers. A failed
// announcement is logged; the local write stands.
func (c *ReplicatedCache) SetCache(key, value string, ttl time.Duration) error {
	if err := c.store.SetCache(key, value, ttl); err != nil {
		return err
	}
	if c.topic == nil {
		return nil
	}
	data, err := json.Marshal(&cacheEntry{Origin: c.self.String(), Key: key, Value: value, TTL: ttl.Milliseconds()})
	if err != nil {
		return err
	}
	if err := c.topic.Publish(c.ctx, data); err != nil {
		c.log.Warn("Failed to announce cache entry", "key", key, "error", err)
	}
	return nil
}

// Close leaves the topic.
func (c *ReplicatedCache) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.sub.Cancel()
	}
	if c.topic != nil {
		return c.topic.Close()
	}
	return nil
}

func (c *ReplicatedCache) processMessages() {
	for {
		msg, err := c.sub.Next(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("Error receiving cache entry", "error", err)
			continue
		}
		c.handle(msg.ReceivedFrom, msg.Data)
	}
}

func (c *ReplicatedCache) handle(from peer.ID, data []byte) {
	if from == c.self {
		return
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil || e.Key == "" {
		c.log.Warn("Dropping malformed cache entry", "from", shortPeerID(from), "error", err)
		return
	}
	if e.Origin == c.self.String() {
		return
	}
	if err := c.store.SetCache(e.Key, e.Value, time.Duration(e.TTL)*time.Millisecond); err != nil {
		c.log.Warn("Failed to store cache entry", "key", e.Key, "error", err)
	}
}
