package p2p

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/pkg/logging"
)

// OrderTopic is the gossipsub topic open orders are broadcast on (spec
// §4.5 order_gossip: "unsolicited one-shot broadcast of open orders to
// connected peers. No ack").
const OrderTopic = "/cnd/orders/1.0.0"

// Gossip publishes and receives OrderGossipMessages over a gossipsub
// topic, deduplicating by message id so a re-delivered gossip message
// (gossipsub itself may re-propagate) is processed at most once.
type Gossip struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	store *storage.Storage
	log   *logging.Logger
	self  peer.ID
}

// JoinGossip joins OrderTopic on an already-constructed PubSub instance
// and subscribes to it.
func JoinGossip(ps *pubsub.PubSub, self peer.ID, store *storage.Storage) (*Gossip, error) {
	topic, err := ps.Join(OrderTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &Gossip{topic: topic, sub: sub, store: store, log: logging.GetDefault().Component("p2p.gossip"), self: self}, nil
}

// Publish broadcasts msg to the topic. It is fire-and-forget: spec §4.5
// explicitly defines order_gossip as unacknowledged.
func (g *Gossip) Publish(ctx context.Context, msg OrderGossipMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, body)
}

// Run drains incoming gossip messages until ctx is cancelled, invoking
// onOrder for each newly-seen message (already-seen messages, by
// message id, are dropped silently).
func (g *Gossip) Run(ctx context.Context, onOrder func(OrderGossipMessage)) {
	for {
		raw, err := g.sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription closed
		}
		if raw.ReceivedFrom == g.self {
			continue
		}

		var msg OrderGossipMessage
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			g.log.Warn("malformed order_gossip message", "err", err)
			continue
		}

		seen, err := g.store.HasReceived(msg.MessageID)
		if err != nil {
			g.log.Error("dedup lookup failed", "err", err)
			continue
		}
		if seen {
			continue
		}
		if err := g.store.RecordReceived(msg.MessageID, raw.ReceivedFrom.String(), "order_gossip", 0); err != nil {
			g.log.Error("failed to record received gossip", "err", err)
		}

		onOrder(msg)
	}
}

// Close leaves the topic.
func (g *Gossip) Close() error {
	g.sub.Cancel()
	return g.topic.Close()
}
