package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/matching/internal/config"
	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/handler"
	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/publisher"
	"github.com/exchange/matching/internal/snapshot"
	apperrors "github.com/exchange/matching/pkg/errors"
	envconfig "github.com/exchange/matching/pkg/config"
	"github.com/exchange/matching/pkg/logger"
	"github.com/exchange/matching/pkg/tracing"
)

func main() {
	_ = envconfig.LoadDotEnv()
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)

	log.Info("starting " + cfg.ServiceName)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		os.Exit(1)
	}
	markets, _ := cfg.MarketList()
	metrics.Init()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.WithError(err).Warn("init tracing failed, continuing without tracing")
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     200,
		MinIdleConns: 20,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	log.Infof("connected to redis", logger.Fields{"addr": cfg.RedisAddr})

	// 恢复状态
	defaultMarket, _ := orderbook.ParseMarket(cfg.DefaultMarket)
	store := snapshot.NewStore(cfg.SnapshotPath)
	state, restored := snapshot.LoadOrBootstrap(store, snapshot.Bootstrap{
		Market:  defaultMarket,
		User:    cfg.DefaultUser,
		Balance: cfg.DefaultBalance,
	}, log)
	log.Infof("engine state ready", logger.Fields{
		"restored": restored, "orderbooks": len(state.OrderBooks), "users": len(state.Balances),
	})

	// 事件出口
	var pub engine.Publisher
	var kafkaPub *publisher.KafkaPublisher
	switch cfg.Publisher {
	case config.PublisherKafka:
		kafkaPub = publisher.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaDBTopic, cfg.KafkaWSTopic)
		pub = kafkaPub
	default:
		pub = publisher.NewRedisPublisher(redisClient, cfg.DBQueue)
	}

	eng, err := engine.New(engine.Config{
		Markets:       markets,
		DefaultMarket: defaultMarket,
		SelfTrade:     cfg.SelfTradePolicy(),
		OutboxSize:    cfg.OutboxSize,
	}, &state, pub, log)
	if err != nil {
		log.WithError(err).Error("failed to create engine")
		os.Exit(1)
	}
	eng.Start(ctx)

	job := snapshot.NewJob(store, eng, cfg.SnapshotInterval, log)
	if err := job.Start(); err != nil {
		log.WithError(err).Error("failed to start snapshot job")
		os.Exit(1)
	}

	h := handler.NewHandler(redisClient, eng, &handler.Config{
		Stream:    cfg.RequestStream,
		Group:     cfg.ConsumerGroup,
		Consumer:  cfg.ConsumerName,
		DedupeTTL: cfg.DedupeTTL,
		Logger:    log,
	})
	if err := h.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start handler")
		os.Exit(1)
	}
	log.Infof("handler started", logger.Fields{"stream": cfg.RequestStream, "group": cfg.ConsumerGroup})

	// HTTP 服务（健康检查 + 只读查询）
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, []dependencyStatus{
			checkRedis(r.Context(), redisClient),
			checkConsumeLoop(h),
			checkSnapshotJob(job, cfg.SnapshotInterval),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, []dependencyStatus{
			checkRedis(r.Context(), redisClient),
			checkConsumeLoop(h),
		})
	})
	metricsHandler := metrics.Handler()
	if token := os.Getenv("METRICS_TOKEN"); token != "" {
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			metrics.Handler().ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		market, err := orderbook.ParseMarket(r.URL.Query().Get("market"))
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
			return
		}
		depth, err := eng.GetDepth(market)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, depth)
	})
	mux.HandleFunc("/v1/balances", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "user required"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id":  user,
			"balances": eng.Balances(user),
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           tracing.HTTPMiddleware(mux),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Infof("http server listening", logger.Fields{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			os.Exit(1)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}

	// 先停止接收请求，再写最终快照，最后排空事件出箱
	h.Stop()
	cancel()
	if err := job.Stop(); err != nil {
		log.WithError(err).Error("final snapshot failed")
	}
	eng.Stop()
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			log.WithError(err).Warn("close kafka writer error")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown error")
	}
	redisClient.Close()
	log.Info("shutdown complete")
}

type dependencyStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Latency int64  `json:"latency"`
}

type healthResponse struct {
	Status       string             `json:"status"`
	Dependencies []dependencyStatus `json:"dependencies"`
}

func checkRedis(ctx context.Context, client *redis.Client) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := client.Ping(timeoutCtx).Err()
	status := "ok"
	if err != nil {
		status = "down"
	}
	return dependencyStatus{
		Name:    "redis",
		Status:  status,
		Latency: time.Since(start).Milliseconds(),
	}
}

func checkConsumeLoop(h *handler.Handler) dependencyStatus {
	ok, age, _ := h.ConsumeLoopHealthy(time.Now(), 45*time.Second)
	status := "ok"
	if !ok {
		status = "down"
	}
	return dependencyStatus{
		Name:    "requestStreamConsumer",
		Status:  status,
		Latency: age.Milliseconds(),
	}
}

// checkSnapshotJob 连续若干个周期没有成功写快照即视为异常
func checkSnapshotJob(job *snapshot.Job, interval time.Duration) dependencyStatus {
	ok, age, _ := job.Healthy(time.Now(), 10*interval+5*time.Second)
	status := "ok"
	if !ok {
		status = "down"
	}
	return dependencyStatus{
		Name:    "snapshotWriter",
		Status:  status,
		Latency: age.Milliseconds(),
	}
}

func writeHealth(w http.ResponseWriter, deps []dependencyStatus) {
	status := "ok"
	for _, dep := range deps {
		if dep.Status != "ok" {
			status = "degraded"
			break
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:       status,
		Dependencies: deps,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, apperrors.New(code, "").HTTPStatus(), map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}
