package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/quckapp/quckapp-sub001/logger"
	"github.com/quckapp/quckapp-sub001/tools/safe"
)

// Publisher is the fire-and-forget analytics/audit bus. Failures are logged,
// never propagated to callers.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any)
}

// Nop is used when no broker is configured (dev, tests).
type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

const defaultTopic = "audit.events"

type record struct {
	Event string    `json:"event"`
	Node  string    `json:"node"`
	TS    time.Time `json:"ts"`
	Data  any       `json:"data,omitempty"`
}

// KafkaBus publishes audit records via an async producer; the error channel
// is drained into the log.
type KafkaBus struct {
	producer sarama.AsyncProducer
	topic    string
	node     string
}

func NewKafkaBus(brokers []string, node string) (*KafkaBus, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Errors = true
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b := &KafkaBus{producer: p, topic: defaultTopic, node: node}
	safe.SafeGo("audit.errors", func() {
		for perr := range p.Errors() {
			logger.Warnf("[audit] publish failed topic=%s err=%v", perr.Msg.Topic, perr.Err)
		}
	})
	return b, nil
}

func (b *KafkaBus) Publish(ctx context.Context, event string, payload any) {
	raw, err := json.Marshal(record{Event: event, Node: b.node, TS: time.Now(), Data: payload})
	if err != nil {
		logger.Warnf("[audit] marshal failed event=%s err=%v", event, err)
		return
	}
	select {
	case b.producer.Input() <- &sarama.ProducerMessage{Topic: b.topic, Value: sarama.ByteEncoder(raw)}:
	default:
		// bus backpressure never blocks the realtime path
		logger.Warnf("[audit] input full, dropped event=%s", event)
	}
}

func (b *KafkaBus) Close() error {
	return b.producer.Close()
}
