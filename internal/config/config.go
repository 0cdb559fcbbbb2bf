// Package config 配置
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/pkg/config"
)

// 事件出口类型
const (
	PublisherRedis = "redis"
	PublisherKafka = "kafka"
)

// Config 服务配置
type Config struct {
	// 服务
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// 请求流
	RequestStream string
	ConsumerGroup string
	ConsumerName  string
	DedupeTTL     time.Duration

	// 事件出口
	Publisher    string
	DBQueue      string
	KafkaBrokers []string
	KafkaDBTopic string
	KafkaWSTopic string
	OutboxSize   int

	// 快照
	SnapshotPath     string
	SnapshotInterval time.Duration

	// 交易对与初始状态
	Markets        []string
	DefaultMarket  string
	DefaultUser    string
	DefaultBalance int64
	SelfTrade      string

	// 链路追踪
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "exchange-matching"),
		HTTPPort:    config.GetEnvInt("HTTP_PORT", 8082),
		LogLevel:    config.GetEnv("LOG_LEVEL", "info"),

		RedisAddr:     config.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: config.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       config.GetEnvInt("REDIS_DB", 0),

		RequestStream: config.GetEnv("REQUEST_STREAM", "exchange:messages"),
		ConsumerGroup: config.GetEnv("CONSUMER_GROUP", "matching-group"),
		ConsumerName:  config.GetEnv("CONSUMER_NAME", "matching-1"),
		DedupeTTL:     config.GetEnvDuration("DEDUPE_TTL", 24*time.Hour),

		Publisher:    strings.ToLower(config.GetEnv("PUBLISHER", PublisherRedis)),
		DBQueue:      config.GetEnv("DB_QUEUE", "db_processor"),
		KafkaBrokers: config.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaDBTopic: config.GetEnv("KAFKA_DB_TOPIC", "matching.db"),
		KafkaWSTopic: config.GetEnv("KAFKA_WS_TOPIC", "matching.ws"),
		OutboxSize:   config.GetEnvInt("OUTBOX_SIZE", 10000),

		SnapshotPath:     config.GetEnv("SNAPSHOT_PATH", "./snapshot.json"),
		SnapshotInterval: config.GetEnvDuration("SNAPSHOT_INTERVAL", 3*time.Second),

		Markets:        config.GetEnvSlice("MARKETS", []string{string(orderbook.MarketBTCUSD)}),
		DefaultMarket:  config.GetEnv("DEFAULT_MARKET", string(orderbook.MarketBTCUSD)),
		DefaultUser:    config.GetEnv("DEFAULT_USER", "default_user"),
		DefaultBalance: config.GetEnvInt64("DEFAULT_BALANCE", 10_000_000),
		SelfTrade:      config.GetEnv("SELF_TRADE", "allow"),

		TracingEnabled:    config.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   config.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: config.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.RequestStream == "" || c.ConsumerGroup == "" || c.ConsumerName == "" {
		return fmt.Errorf("REQUEST_STREAM, CONSUMER_GROUP and CONSUMER_NAME are required")
	}
	switch c.Publisher {
	case PublisherRedis:
		if c.DBQueue == "" {
			return fmt.Errorf("DB_QUEUE is required")
		}
	case PublisherKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaDBTopic == "" || c.KafkaWSTopic == "" {
			return fmt.Errorf("KAFKA_BROKERS, KAFKA_DB_TOPIC and KAFKA_WS_TOPIC are required")
		}
	default:
		return fmt.Errorf("unknown PUBLISHER %q", c.Publisher)
	}
	if c.SnapshotPath == "" {
		return fmt.Errorf("SNAPSHOT_PATH is required")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive")
	}
	if _, err := c.MarketList(); err != nil {
		return err
	}
	if _, err := orderbook.ParseMarket(c.DefaultMarket); err != nil {
		return fmt.Errorf("DEFAULT_MARKET: %w", err)
	}
	if c.DefaultUser == "" {
		return fmt.Errorf("DEFAULT_USER is required")
	}
	if c.DefaultBalance < 0 {
		return fmt.Errorf("DEFAULT_BALANCE must not be negative")
	}
	if _, err := orderbook.ParseSelfTradePolicy(c.SelfTrade); err != nil {
		return fmt.Errorf("SELF_TRADE: %w", err)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be within [0,1]")
	}
	return nil
}

// MarketList 解析 MARKETS，默认交易对总是包含在内
func (c *Config) MarketList() ([]orderbook.Market, error) {
	seen := make(map[orderbook.Market]bool)
	var out []orderbook.Market
	for _, s := range append(append([]string{}, c.Markets...), c.DefaultMarket) {
		m, err := orderbook.ParseMarket(s)
		if err != nil {
			return nil, fmt.Errorf("MARKETS: %w", err)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// SelfTradePolicy 解析后的自成交策略，Validate 之后调用
func (c *Config) SelfTradePolicy() orderbook.SelfTradePolicy {
	p, _ := orderbook.ParseSelfTradePolicy(c.SelfTrade)
	return p
}
