package bus

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// Topic is the GossipSub topic carrying order state envelopes.
const Topic = "/lnswap/orderstate/1"

// seenCacheSize bounds the envelope ID de-duplication cache.
const seenCacheSize = 4096

// Gossip is a bus over a libp2p GossipSub topic. Messages published
// locally are delivered to local subscribers directly; copies gossiped
// back by peers are dropped by envelope ID.
type Gossip struct {
	self  peer.ID
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	hub   *hub
	seen  *lru.Cache[string, struct{}]
	log   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGossip joins the order state topic on ps.
func NewGossip(ctx context.Context, ps *pubsub.PubSub, self peer.ID) (*Gossip, error) {
	g, err := newGossip(self)
	if err != nil {
		return nil, err
	}

	topic, err := ps.Join(Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic, err)
	}
	g.topic = topic
	g.sub = sub
	g.ctx, g.cancel = context.WithCancel(ctx)

	go g.processMessages()

	g.log.Info("Joined order state topic", "topic", Topic)
	return g, nil
}

func newGossip(self peer.ID) (*Gossip, error) {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Gossip{
		self: self,
		hub:  newHub(),
		seen: seen,
		log:  logging.GetDefault().Component("bus"),
	}, nil
}

// Publish wraps m in an envelope, gossips it and delivers it locally.
func (g *Gossip) Publish(ctx context.Context, m *order.Message) error {
	env := order.NewEnvelope(g.self.String(), m)
	data, err := order.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	g.seen.Add(env.ID, struct{}{})

	if err := g.hub.broadcast(m); err != nil {
		return err
	}
	if err := g.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	g.log.Debug("Published order state", "state", m.State, "invoice", logging.ShortInvoice(m.Invoice))
	return nil
}

func (g *Gossip) Subscribe(ctx context.Context) (<-chan *order.Message, error) {
	return g.hub.subscribe(ctx)
}

// Close leaves the topic and closes every subscription.
func (g *Gossip) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.sub != nil {
		g.sub.Cancel()
	}
	g.hub.close()
	if g.topic != nil {
		return g.topic.Close()
	}
	return nil
}

func (g *Gossip) processMessages() {
	for {
		msg, err := g.sub.Next(g.ctx)
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			g.log.Warn("Error receiving message", "error", err)
			continue
		}
		g.handle(msg.ReceivedFrom, msg.Data)
	}
}

// handle decodes one gossiped envelope and delivers it unless it is our
// own or a duplicate.
func (g *Gossip) handle(from peer.ID, data []byte) {
	if from == g.self {
		return
	}
	env, err := order.UnmarshalEnvelope(data)
	if err != nil {
		g.log.Warn("Dropping malformed order message", "from", shortPeerID(from), "error", err)
		return
	}
	if env.Origin == g.self.String() {
		return
	}
	if ok, _ := g.seen.ContainsOrAdd(env.ID, struct{}{}); ok {
		return
	}
	if err := g.hub.broadcast(env.Message); err != nil {
		return
	}
	g.log.Debug("Received order state",
		"state", env.Message.State,
		"invoice", logging.ShortInvoice(env.Message.Invoice),
		"from", shortPeerID(from))
}

func shortPeerID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
