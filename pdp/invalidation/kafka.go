package invalidation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// InstanceGroupID builds a consumer group unique to this process. Every
// instance must see every event to evict its own L1, so instances never share
// a group.
func InstanceGroupID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "authz"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// KafkaSource reads JSON invalidation events from a topic.
type KafkaSource struct {
	reader kafkaReader
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       1e6,
		CommitInterval: time.Second,
		MaxWait:        250 * time.Millisecond,
	})
	return &KafkaSource{reader: r}, nil
}

func (s *KafkaSource) Read(ctx context.Context) (model.InvalidationEvent, error) {
	if s == nil || s.reader == nil {
		return model.InvalidationEvent{}, fmt.Errorf("kafka source not initialized")
	}
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return model.InvalidationEvent{}, err
	}
	return decodeEvent(msg.Value)
}

func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// KafkaBroadcaster publishes invalidation events to a topic, keyed by scope
// so events for one scope stay ordered within a partition.
type KafkaBroadcaster struct {
	writer kafkaWriter
}

func NewKafkaBroadcaster(cfg KafkaConfig) (*KafkaBroadcaster, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaBroadcaster{writer: w}, nil
}

func (k *KafkaBroadcaster) Broadcast(ctx context.Context, ev model.InvalidationEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Scope.String()), Value: data}); err != nil {
		return fmt.Errorf("failed to publish invalidation to kafka: %w", err)
	}
	return nil
}

func (k *KafkaBroadcaster) Close() error {
	return k.writer.Close()
}
