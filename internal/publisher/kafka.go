package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/exchange/matching/internal/types"
)

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 单个 Writer，按消息指定 topic：DbMessage 写 dbTopic，WsMessage 写 wsTopic
type KafkaPublisher struct {
	writer  messageWriter
	dbTopic string
	wsTopic string
}

// NewKafkaPublisher 创建 Kafka 出口，同 key 的消息进入同一分区以保持顺序
func NewKafkaPublisher(brokers []string, dbTopic, wsTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, dbTopic, wsTopic)
}

func newKafkaPublisher(w messageWriter, dbTopic, wsTopic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, dbTopic: dbTopic, wsTopic: wsTopic}
}

func (p *KafkaPublisher) Push(ctx context.Context, msg types.DbMessage) error {
	km, err := p.dbMessage(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, km)
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel string, msg types.WsMessage) error {
	km, err := p.wsMessage(channel, msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, km)
}

func (p *KafkaPublisher) dbMessage(msg types.DbMessage) (kafka.Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal db message: %w", err)
	}
	return kafka.Message{
		Topic: p.dbTopic,
		Key:   []byte(msg.Key()),
		Value: raw,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
		},
	}, nil
}

func (p *KafkaPublisher) wsMessage(channel string, msg types.WsMessage) (kafka.Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal ws message: %w", err)
	}
	return kafka.Message{
		Topic: p.wsTopic,
		Key:   []byte(channel),
		Value: raw,
	}, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
