package crdtpubsub

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/common"
)

// Libp2pOptions configures a GossipSub room channel.
type Libp2pOptions struct {
	// ListenAddrs are multiaddrs the host listens on.
	ListenAddrs []string
	// BootstrapPeers are full multiaddrs (with /p2p/<id>) dialed at start.
	BootstrapPeers []string
	Logger         *zap.Logger
}

// Libp2pPubSub implements the PubSub interface over libp2p GossipSub, letting
// clients share a room without a relay server.
type Libp2pPubSub struct {
	host   host.Host
	ps     *pubsub.PubSub
	logger *zap.Logger

	mutex  sync.Mutex
	topics map[string]*libp2pTopic
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

type libp2pTopic struct {
	topic       *pubsub.Topic
	subscribers map[string]*libp2pSubscription
}

type libp2pSubscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLibp2pPubSub starts a libp2p host with GossipSub and connects to the
// bootstrap peers.
func NewLibp2pPubSub(ctx context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(opts.ListenAddrs...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create libp2p host")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, errors.Wrap(err, "failed to create pubsub")
	}

	p := &Libp2pPubSub{
		host:   h,
		ps:     ps,
		logger: opts.Logger.With(zap.String("peer_id", h.ID().String())),
		topics: make(map[string]*libp2pTopic),
		ctx:    runCtx,
		cancel: cancel,
	}

	for _, addr := range h.Addrs() {
		p.logger.Info("libp2p listening", zap.String("addr", addr.String()+"/p2p/"+h.ID().String()))
	}

	for _, addr := range opts.BootstrapPeers {
		if err := p.Connect(ctx, addr); err != nil {
			p.logger.Warn("failed to connect bootstrap peer", zap.String("addr", addr), zap.Error(err))
		}
	}
	return p, nil
}

// Connect dials a peer given its full multiaddr.
func (p *Libp2pPubSub) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return errors.Wrapf(err, "invalid multiaddr %q", addr)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return errors.Wrapf(err, "multiaddr %q has no peer id", addr)
	}
	if err := p.host.Connect(ctx, *info); err != nil {
		return errors.Wrapf(err, "failed to connect to %s", info.ID)
	}
	return nil
}

// Addrs returns the full multiaddrs other peers can bootstrap from.
func (p *Libp2pPubSub) Addrs() []string {
	addrs := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		addrs = append(addrs, addr.String()+"/p2p/"+p.host.ID().String())
	}
	return addrs
}

// Publish publishes data to the GossipSub topic, joining it if needed.
func (p *Libp2pPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	p.mutex.Lock()
	t, err := p.joinLocked(topic)
	p.mutex.Unlock()
	if err != nil {
		return err
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
// Messages published by this host are delivered too, like the other channels.
func (p *Libp2pPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	t, err := p.joinLocked(topic)
	if err != nil {
		return err
	}
	if _, dup := t.subscribers[subscriberID]; dup {
		return errors.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	sub, err := t.topic.Subscribe()
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to topic")
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &libp2pSubscription{sub: sub, cancel: cancel, done: make(chan struct{})}
	t.subscribers[subscriberID] = s

	go func() {
		defer close(s.done)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			if err := handler(subCtx, topic, msg.Data); err != nil {
				p.logger.Warn("failed to handle message",
					zap.String("topic", topic),
					zap.String("from", msg.ReceivedFrom.String()),
					zap.Error(err))
			}
		}
	}()
	return nil
}

// Unsubscribe unsubscribes from the specified topic.
func (p *Libp2pPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	t, ok := p.topics[topic]
	if !ok {
		return errors.Errorf("not subscribed to topic: %s", topic)
	}
	s, ok := t.subscribers[subscriberID]
	if !ok {
		return errors.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	s.sub.Cancel()
	s.cancel()
	delete(t.subscribers, subscriberID)
	return nil
}

// Close leaves every topic and shuts the host down.
func (p *Libp2pPubSub) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	for _, t := range p.topics {
		for _, s := range t.subscribers {
			s.sub.Cancel()
			s.cancel()
		}
		_ = t.topic.Close()
	}
	p.topics = make(map[string]*libp2pTopic)
	p.mutex.Unlock()

	p.cancel()
	return p.host.Close()
}

func (p *Libp2pPubSub) joinLocked(topic string) (*libp2pTopic, error) {
	if p.closed {
		return nil, errors.Wrap(common.ErrClosed, "pubsub")
	}
	if t, ok := p.topics[topic]; ok {
		return t, nil
	}
	joined, err := p.ps.Join(topic)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to join topic %s", topic)
	}
	t := &libp2pTopic{topic: joined, subscribers: make(map[string]*libp2pSubscription)}
	p.topics[topic] = t
	return t, nil
}
