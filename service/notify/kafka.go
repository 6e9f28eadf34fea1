package notify

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// Kafka topics consumed by notification-service, one per channel.
const (
	TopicPush  = "notifications.push"
	TopicEmail = "notifications.email"
	TopicSMS   = "notifications.sms"
)

// KafkaChannel publishes notifications onto the channel's kafka topic, keyed
// by recipient so one user's notifications keep order. The provider workers
// (APNS/FCM, SMTP, SMS gateway) live in notification-service.
type KafkaChannel struct {
	name     string
	topic    string
	producer sarama.SyncProducer
}

func NewKafkaChannel(name, topic string, producer sarama.SyncProducer) *KafkaChannel {
	return &KafkaChannel{name: name, topic: topic, producer: producer}
}

func (c *KafkaChannel) Name() string { return c.name }

func (c *KafkaChannel) Send(ctx context.Context, n *Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return errors.WithStack(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: c.topic,
		Key:   sarama.StringEncoder(n.RecipientID),
		Value: sarama.ByteEncoder(raw),
		Headers: []sarama.RecordHeader{
			{Key: []byte("priority"), Value: []byte(n.Priority)},
			{Key: []byte("kind"), Value: []byte(n.Kind)},
		},
	}
	_, _, err = c.producer.SendMessage(msg)
	return errors.WithStack(err)
}

// NewSyncProducer builds the sarama producer shared by the three channels.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	p, err := sarama.NewSyncProducer(brokers, cfg)
	return p, errors.WithStack(err)
}

// DefaultChannels wires push/email/sms on one producer.
func DefaultChannels(producer sarama.SyncProducer) []Channel {
	return []Channel{
		NewKafkaChannel("push", TopicPush, producer),
		NewKafkaChannel("email", TopicEmail, producer),
		NewKafkaChannel("sms", TopicSMS, producer),
	}
}
