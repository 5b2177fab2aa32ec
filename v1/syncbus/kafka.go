package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Topics are expected to
// have a single partition so that events keep their publish order.
type KafkaBus struct {
	hub
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu   sync.Mutex
	subs map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		hub:      newHub(),
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]sarama.PartitionConsumer),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		pc, err := b.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.subs[topic] = pc
		go b.dispatch(topic, pc)
	}
	s, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, s.ch)
	return s.ch, nil
}

func (b *KafkaBus) dispatch(topic string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.deliver(context.Background(), topic, msg.Value)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan []byte) error {
	b.mu.Lock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		b.mu.Unlock()
		return nil
	}
	pc := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for topic, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	b.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
