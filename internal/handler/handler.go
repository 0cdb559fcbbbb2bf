// Package handler 消息处理
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/types"
	apperrors "github.com/exchange/matching/pkg/errors"
	"github.com/exchange/matching/pkg/health"
	"github.com/exchange/matching/pkg/logger"
	"github.com/exchange/matching/pkg/tracing"
)

const (
	defaultMaxStreamRetries = 10
	defaultClaimMinIdle     = 30 * time.Second
	pendingInterval         = 30 * time.Second
	replyTimeout            = 2 * time.Second
)

// Config 配置
type Config struct {
	Stream    string // 请求流
	Group     string // 消费者组
	Consumer  string // 消费者名称
	DedupeTTL time.Duration
	Logger    *logger.Logger
}

// Handler API 请求处理器：从 Redis Stream 读取请求，交给引擎执行，回复发布到 clientId 频道
type Handler struct {
	redis  *redis.Client
	engine *engine.Engine
	log    *logger.Logger

	stream    string
	group     string
	consumer  string
	dedupeTTL time.Duration

	loop   *health.LoopMonitor
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler 创建处理器；redisClient 为空时只能调用 Dispatch，且不做入金去重
func NewHandler(redisClient *redis.Client, eng *engine.Engine, cfg *Config) *Handler {
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		redis:     redisClient,
		engine:    eng,
		log:       log,
		stream:    cfg.Stream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		dedupeTTL: dedupeTTL,
		loop:      health.NewLoopMonitor("consume"),
	}
}

// Start 创建消费者组并启动消费循环
func (h *Handler) Start(ctx context.Context) error {
	err := h.redis.XGroupCreateMkStream(ctx, h.stream, h.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.loop.Tick()

	h.wg.Add(1)
	go h.consumeLoop(loopCtx)
	return nil
}

// Stop 停止消费并等待当前批次处理完毕
func (h *Handler) Stop() {
	h.log.Info("stopping handler")
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.log.Info("handler stopped")
}

func (h *Handler) ConsumeLoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return h.loop.Healthy(now, maxAge)
}

func (h *Handler) consumeLoop(ctx context.Context) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.loop.SetError(fmt.Errorf("panic: %v", r))
			h.log.Errorf("consumeLoop panic", logger.Fields{
				"panic": r, "stack": string(debug.Stack()),
			})
		}
	}()

	pendingTicker := time.NewTicker(pendingInterval)
	defer pendingTicker.Stop()

	if err := h.processPending(ctx); err != nil && ctx.Err() == nil {
		h.loop.SetError(err)
		h.log.WithError(err).Warn("process pending error")
	}

	for {
		h.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := h.processPending(ctx); err != nil && ctx.Err() == nil {
				h.loop.SetError(err)
				h.log.WithError(err).Warn("process pending error")
			}
			continue
		default:
		}

		results, err := h.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    h.group,
			Consumer: h.consumer,
			Streams:  []string{h.stream, ">"},
			Count:    100,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			h.loop.SetError(err)
			metrics.IncStreamError(h.stream, h.group)
			h.log.WithError(err).Warn("read stream error")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		h.loop.ClearError()

		for _, result := range results {
			for _, msg := range result.Messages {
				h.processMessage(ctx, msg)
			}
		}
	}
}

// processMessage 处理单条请求。引擎状态一旦变更即 ack，回复发送失败不重放。
func (h *Handler) processMessage(ctx context.Context, msg redis.XMessage) {
	ctx = tracing.ExtractRedisStream(ctx, msg.Values)
	ctx, span := tracing.StartSpan(ctx, "matching.processMessage")
	defer span.End()

	clientID, _ := msg.Values["clientId"].(string)
	data, ok := msg.Values["data"].(string)
	if !ok {
		metrics.IncStreamError(h.stream, h.group)
		h.log.WithContext(ctx).WithField("msgId", msg.ID).Warn("message without data")
		h.ack(ctx, msg.ID)
		return
	}

	var req types.MessageFromAPI
	var reply types.MessageToAPI
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		metrics.IncStreamError(h.stream, h.group)
		h.log.WithContext(ctx).WithError(err).Warn("unmarshal message error")
		reply = errorReply(apperrors.Newf(apperrors.CodeInvalidRequest, "malformed message: %v", err))
	} else {
		reply = h.Dispatch(ctx, req)
	}

	if reply.Type == types.ReplyError {
		if p, ok := reply.Payload.(types.ErrorPayload); ok {
			tracing.SetError(ctx, fmt.Errorf("%s: %s", p.Code, p.Message))
		}
	}
	if clientID != "" {
		h.reply(ctx, clientID, reply)
	}
	h.ack(ctx, msg.ID)
}

// Dispatch 执行一条 API 请求并生成回复，与传输无关
func (h *Handler) Dispatch(ctx context.Context, msg types.MessageFromAPI) types.MessageToAPI {
	switch msg.Type {
	case types.MsgCreateOrder:
		var req types.CreateOrder
		if err := msg.Decode(&req); err != nil {
			return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
		}
		return h.createOrder(ctx, req)
	case types.MsgCancelOrder:
		var req types.CancelOrder
		if err := msg.Decode(&req); err != nil {
			return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
		}
		return h.cancelOrder(ctx, req)
	case types.MsgOnRamp:
		var req types.OnRamp
		if err := msg.Decode(&req); err != nil {
			return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
		}
		return h.onRamp(ctx, req)
	case types.MsgGetDepth:
		var req types.GetDepth
		if err := msg.Decode(&req); err != nil {
			return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
		}
		return h.getDepth(req)
	case types.MsgGetOpenOrders:
		var req types.GetOpenOrders
		if err := msg.Decode(&req); err != nil {
			return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
		}
		return h.getOpenOrders(req)
	default:
		return errorReply(apperrors.Newf(apperrors.CodeInvalidRequest, "unknown message type %q", msg.Type))
	}
}

func (h *Handler) createOrder(ctx context.Context, req types.CreateOrder) types.MessageToAPI {
	market, err := orderbook.ParseMarket(req.Market)
	if err != nil {
		return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
	}
	created, err := h.engine.CreateOrder(ctx, market, req.Price, req.Quantity, req.Side, req.UserID)
	if err != nil {
		return errorReply(err)
	}

	fills := make([]types.Fill, 0, len(created.Fills))
	for _, f := range created.Fills {
		fills = append(fills, types.Fill{
			Price:   types.FormatAmount(f.Price),
			Qty:     f.Quantity,
			TradeID: f.TradeID,
		})
	}
	return types.MessageToAPI{
		Type: types.ReplyOrderPlaced,
		Payload: types.OrderPlaced{
			OrderID:     created.OrderID,
			ExecutedQty: created.ExecutedQty,
			Fills:       fills,
		},
	}
}

func (h *Handler) cancelOrder(ctx context.Context, req types.CancelOrder) types.MessageToAPI {
	market, err := orderbook.ParseMarket(req.Market)
	if err != nil {
		return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
	}
	cancelled, err := h.engine.CancelOrder(ctx, req.OrderID, market, req.UserID)
	if err != nil {
		return errorReply(err)
	}
	return types.MessageToAPI{Type: types.ReplyOrderCancelled, Payload: *cancelled}
}

func (h *Handler) onRamp(ctx context.Context, req types.OnRamp) types.MessageToAPI {
	first, key := h.claimTxn(ctx, req.TxnID)
	if !first {
		return errorReply(apperrors.Newf(apperrors.CodeDuplicateRequest, "txn %s already processed", req.TxnID))
	}
	asset := req.Asset
	if asset == "" {
		asset = h.engine.DefaultMarket().Assets().Quote
	}
	b, err := h.engine.OnRamp(ctx, req.UserID, asset, req.Amount)
	if err != nil {
		h.releaseTxn(ctx, key)
		return errorReply(err)
	}
	return types.MessageToAPI{
		Type: types.ReplyOnRamp,
		Payload: types.OnRampResult{
			UserID:    req.UserID,
			Asset:     asset,
			Available: b.Available,
		},
	}
}

func (h *Handler) getDepth(req types.GetDepth) types.MessageToAPI {
	market, err := orderbook.ParseMarket(req.Market)
	if err != nil {
		return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
	}
	depth, err := h.engine.GetDepth(market)
	if err != nil {
		return errorReply(err)
	}
	return types.MessageToAPI{Type: types.ReplyDepth, Payload: depth}
}

func (h *Handler) getOpenOrders(req types.GetOpenOrders) types.MessageToAPI {
	market, err := orderbook.ParseMarket(req.Market)
	if err != nil {
		return errorReply(apperrors.New(apperrors.CodeInvalidRequest, err.Error()))
	}
	orders, err := h.engine.GetOpenOrders(req.UserID, market)
	if err != nil {
		return errorReply(err)
	}
	if orders == nil {
		orders = []orderbook.Order{}
	}
	return types.MessageToAPI{Type: types.ReplyOpenOrders, Payload: types.OpenOrders{Orders: orders}}
}

// claimTxn 入金去重，Redis 不可用时放行
func (h *Handler) claimTxn(ctx context.Context, txnID string) (bool, string) {
	if h.redis == nil || txnID == "" {
		return true, ""
	}
	key := fmt.Sprintf("dedupe:onramp:%s", txnID)
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := h.redis.SetNX(timeoutCtx, key, "1", h.dedupeTTL).Result()
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("dedupe check error")
		return true, ""
	}
	return ok, key
}

// releaseTxn 入金失败后释放去重键，允许重试
func (h *Handler) releaseTxn(ctx context.Context, key string) {
	if h.redis == nil || key == "" {
		return
	}
	if err := h.redis.Del(ctx, key).Err(); err != nil {
		h.log.WithContext(ctx).WithError(err).WithField("key", key).Warn("release dedupe key error")
	}
}

func (h *Handler) reply(ctx context.Context, clientID string, msg types.MessageToAPI) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("marshal reply error")
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := h.redis.Publish(sendCtx, clientID, payload).Err(); err != nil {
		metrics.IncPublishError("api")
		h.log.WithContext(ctx).WithError(err).WithField("clientId", clientID).Warn("send reply error")
	}
}

func (h *Handler) processPending(ctx context.Context) error {
	if summary, err := h.redis.XPending(ctx, h.stream, h.group).Result(); err == nil {
		metrics.SetStreamPending(h.stream, h.group, summary.Count)
	}

	pending, err := h.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: h.stream,
		Group:  h.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return err
	}

	var ids []string
	dlqIDs := make(map[string]int64)
	for _, entry := range pending {
		if entry.Idle >= defaultClaimMinIdle {
			ids = append(ids, entry.ID)
			if entry.RetryCount > defaultMaxStreamRetries {
				dlqIDs[entry.ID] = entry.RetryCount
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := h.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   h.stream,
		Group:    h.group,
		Consumer: h.consumer,
		MinIdle:  defaultClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		if retryCount, toDLQ := dlqIDs[msg.ID]; toDLQ {
			if err := h.sendToDLQ(ctx, &msg, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
				metrics.IncStreamError(h.stream, h.group)
				h.log.WithError(err).Warn("send dlq error")
				continue
			}
			metrics.IncStreamDLQ(h.stream, h.group)
			h.ack(ctx, msg.ID)
			continue
		}
		h.processMessage(ctx, msg)
	}
	return nil
}

func (h *Handler) sendToDLQ(ctx context.Context, msg *redis.XMessage, reason string) error {
	_, err := h.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: h.stream + ":dlq",
		Values: map[string]interface{}{
			"stream":   h.stream,
			"msgId":    msg.ID,
			"reason":   reason,
			"data":     msg.Values["data"],
			"clientId": msg.Values["clientId"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    h.group,
			"consumer": h.consumer,
		},
	}).Result()
	return err
}

func (h *Handler) ack(ctx context.Context, id string) {
	if err := h.redis.XAck(context.WithoutCancel(ctx), h.stream, h.group, id).Err(); err != nil {
		h.log.WithError(err).WithField("msgId", id).Warn("ack message error")
	}
}

func errorReply(err error) types.MessageToAPI {
	msg := err.Error()
	var e *apperrors.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return types.MessageToAPI{
		Type:    types.ReplyError,
		Payload: types.ErrorPayload{Code: string(apperrors.CodeOf(err)), Message: msg},
	}
}
