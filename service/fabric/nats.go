package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsConfig configures the bus client.
type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus implements PubSub on NATS core. Every node subscribes to the
// subjects it cares about; delivery is at-most-once, which is acceptable
// because durable delivery goes through the store-and-forward queue.
type NatsBus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

func (b *NatsBus) Publish(ctx context.Context, subject, origin string, data []byte) error {
	m := Message{Subject: subject, Origin: origin, Data: data}
	raw, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, raw)
}

func (b *NatsBus) Subscribe(subject string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(nm *nats.Msg) {
		var m Message
		if err := json.Unmarshal(nm.Data, &m); err != nil {
			return
		}
		h(m)
	})
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	for _, s := range b.subs {
		_ = s.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
