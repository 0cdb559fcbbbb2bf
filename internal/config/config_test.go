package config

import (
	"testing"
	"time"

	"github.com/exchange/matching/internal/orderbook"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.RequestStream != "exchange:messages" {
		t.Fatalf("expected exchange:messages, got %s", cfg.RequestStream)
	}
	if cfg.DBQueue != "db_processor" {
		t.Fatalf("expected db_processor, got %s", cfg.DBQueue)
	}
	if cfg.SnapshotPath != "./snapshot.json" || cfg.SnapshotInterval != 3*time.Second {
		t.Fatalf("unexpected snapshot config %s %s", cfg.SnapshotPath, cfg.SnapshotInterval)
	}
	if cfg.DefaultUser != "default_user" || cfg.DefaultBalance != 10_000_000 {
		t.Fatalf("unexpected bootstrap config %s %d", cfg.DefaultUser, cfg.DefaultBalance)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MARKETS", "tata_inr, BTC_USD")
	t.Setenv("DEFAULT_MARKET", "NVIDIA_INR")
	t.Setenv("PUBLISHER", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SNAPSHOT_INTERVAL", "500ms")
	t.Setenv("SELF_TRADE", "skip")

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Publisher != PublisherKafka || len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("unexpected publisher config %s %v", cfg.Publisher, cfg.KafkaBrokers)
	}
	markets, err := cfg.MarketList()
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	want := []orderbook.Market{orderbook.MarketTataINR, orderbook.MarketBTCUSD, orderbook.MarketNvidiaINR}
	if len(markets) != len(want) {
		t.Fatalf("expected %v, got %v", want, markets)
	}
	for i := range want {
		if markets[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, markets)
		}
	}
	if cfg.SelfTradePolicy() != orderbook.SelfTradeSkip {
		t.Fatalf("expected skip policy")
	}
	if cfg.SnapshotInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %s", cfg.SnapshotInterval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"publisher":     func(c *Config) { c.Publisher = "nats" },
		"market":        func(c *Config) { c.Markets = []string{"DOGE_EUR"} },
		"default":       func(c *Config) { c.DefaultMarket = "DOGE_EUR" },
		"interval":      func(c *Config) { c.SnapshotInterval = 0 },
		"stream":        func(c *Config) { c.RequestStream = "" },
		"self trade":    func(c *Config) { c.SelfTrade = "reject" },
		"sample rate":   func(c *Config) { c.TracingSampleRate = 2 },
		"port":          func(c *Config) { c.HTTPPort = 0 },
		"kafka brokers": func(c *Config) { c.Publisher = PublisherKafka; c.KafkaBrokers = nil },
	}
	for name, mutate := range cases {
		cfg := Load()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
