// Package publisher 撮合事件的 Redis / Kafka 出口
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/matching/internal/types"
)

const defaultDBQueue = "db_processor"

// RedisPublisher DbMessage 追加到队列（LPUSH），WsMessage 发布到频道（PUBLISH）
type RedisPublisher struct {
	client  *redis.Client
	dbQueue string
}

func NewRedisPublisher(client *redis.Client, dbQueue string) *RedisPublisher {
	if dbQueue == "" {
		dbQueue = defaultDBQueue
	}
	return &RedisPublisher{client: client, dbQueue: dbQueue}
}

// Push 写入成交历史队列
func (p *RedisPublisher) Push(ctx context.Context, msg types.DbMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal db message: %w", err)
	}
	return p.client.LPush(ctx, p.dbQueue, raw).Err()
}

// Publish 发布行情消息
func (p *RedisPublisher) Publish(ctx context.Context, channel string, msg types.WsMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ws message: %w", err)
	}
	return p.client.Publish(ctx, channel, raw).Err()
}
