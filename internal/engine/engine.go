// Package engine 撮合引擎
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/types"
	apperrors "github.com/exchange/matching/pkg/errors"
	"github.com/exchange/matching/pkg/logger"
)

// Config 引擎配置
type Config struct {
	Markets       []orderbook.Market
	DefaultMarket orderbook.Market
	SelfTrade     orderbook.SelfTradePolicy
	OutboxSize    int
}

// State 引擎可序列化状态
type State struct {
	OrderBooks []orderbook.BookState         `json:"orderbooks"`
	Balances   map[string]map[string]Balance `json:"balances"`
}

// CreatedOrder 下单结果
type CreatedOrder struct {
	OrderID     string
	Status      orderbook.FillStatus
	ExecutedQty int64
	Fills       []orderbook.Fill
}

// Option 引擎选项
type Option func(*Engine)

// WithIDGenerator 设置订单号生成器
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// WithClock 设置时间源（纳秒）
func WithClock(f func() int64) Option {
	return func(e *Engine) { e.now = f }
}

// market 单个交易对，mu 串行化该交易对上的所有操作
type market struct {
	mu   sync.Mutex
	book *orderbook.OrderBook
}

// Engine 撮合引擎
type Engine struct {
	markets       map[orderbook.Market]*market
	names         []orderbook.Market // 有序，快照时按此顺序加锁
	defaultMarket orderbook.Market

	ledger *ledger
	outbox *outbox
	log    *logger.Logger

	newID func() string
	now   func() int64
}

// New 创建引擎；state 不为空时从中恢复订单簿和余额
func New(cfg Config, state *State, pub Publisher, log *logger.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		markets: make(map[orderbook.Market]*market),
		ledger:  newLedger(),
		log:     log,
		newID:   uuid.NewString,
		now:     func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(e)
	}

	bookOpts := []orderbook.Option{
		orderbook.WithSelfTradePolicy(cfg.SelfTrade),
		orderbook.WithClock(e.now),
	}

	if state != nil {
		for _, bs := range state.OrderBooks {
			if _, dup := e.markets[bs.Market]; dup {
				return nil, fmt.Errorf("duplicate orderbook %s in state", bs.Market)
			}
			book, err := orderbook.Restore(bs, bookOpts...)
			if err != nil {
				return nil, err
			}
			e.markets[bs.Market] = &market{book: book}
		}
		if err := e.ledger.load(state.Balances); err != nil {
			return nil, err
		}
	}

	for _, m := range cfg.Markets {
		if !m.Valid() {
			return nil, fmt.Errorf("unknown market %q", m)
		}
		if _, ok := e.markets[m]; !ok {
			e.markets[m] = &market{book: orderbook.NewOrderBook(m, bookOpts...)}
		}
	}
	if len(e.markets) == 0 {
		return nil, fmt.Errorf("no markets configured")
	}

	for m := range e.markets {
		e.names = append(e.names, m)
	}
	sort.Slice(e.names, func(i, j int) bool { return e.names[i] < e.names[j] })

	e.defaultMarket = cfg.DefaultMarket
	if e.defaultMarket == "" {
		e.defaultMarket = e.names[0]
	}
	if !e.defaultMarket.Valid() {
		return nil, fmt.Errorf("unknown default market %q", e.defaultMarket)
	}

	e.outbox = newOutbox(pub, cfg.OutboxSize, log)
	for _, m := range e.names {
		e.updateDepthGauge(m, e.markets[m].book)
	}
	return e, nil
}

// Start 启动事件分发
func (e *Engine) Start(ctx context.Context) {
	e.outbox.start(ctx)
}

// Stop 停止接收事件并等待已入队事件投递完成
func (e *Engine) Stop() {
	e.outbox.close()
}

// Markets 已加载的交易对
func (e *Engine) Markets() []orderbook.Market {
	out := make([]orderbook.Market, len(e.names))
	copy(out, e.names)
	return out
}

func (e *Engine) DefaultMarket() orderbook.Market {
	return e.defaultMarket
}

func (e *Engine) market(name orderbook.Market) (*market, error) {
	m, ok := e.markets[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeInvalidRequest, "unknown market %q", name)
	}
	return m, nil
}

// CreateOrder 校验、冻结、撮合、交割并输出事件
func (e *Engine) CreateOrder(ctx context.Context, name orderbook.Market, price, quantity int64, side orderbook.Side, userID string) (*CreatedOrder, error) {
	start := time.Now()
	created, err := e.createOrder(ctx, name, price, quantity, side, userID)

	label := string(name)
	if _, ok := e.markets[name]; !ok {
		label = "unknown"
	}
	metrics.IncOrdersProcessed(label, string(apperrors.CodeOf(err)))
	metrics.ObserveMatchingLatency(label, time.Since(start))
	return created, err
}

func (e *Engine) createOrder(ctx context.Context, name orderbook.Market, price, quantity int64, side orderbook.Side, userID string) (*CreatedOrder, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "user id required")
	}
	if !side.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalidRequest, "invalid side %d", int(side))
	}
	if price <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "price must be positive")
	}
	if quantity <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "quantity must be positive")
	}
	m, err := e.market(name)
	if err != nil {
		return nil, err
	}
	if quantity > math.MaxInt64/price {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "order notional overflows")
	}

	assets := name.Assets()
	lockAsset, lockAmount := assets.Base, quantity
	if side == orderbook.SideBuy {
		lockAsset, lockAmount = assets.Quote, price*quantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := e.ledger.lock(userID, lockAsset, lockAmount); err != nil {
		return nil, err
	}

	order := &orderbook.Order{
		OrderID:  e.newID(),
		UserID:   userID,
		Side:     side,
		Price:    price,
		Quantity: quantity,
	}
	result, matchErr := m.book.AddOrder(order)
	if result == nil {
		// 订单簿拒绝，未发生任何变更
		if err := e.ledger.unlock(userID, lockAsset, lockAmount); err != nil {
			e.reportViolation(ctx, name, err)
		}
		return nil, apperrors.Newf(apperrors.CodeInternal, "orderbook rejected order: %v", matchErr)
	}

	log := e.log.WithContext(ctx).WithField("market", string(name))

	var settleErr error
	for i := range result.Fills {
		if err := e.settle(assets, order, result.Fills[i], result.MakerUpdates[i]); err != nil {
			e.reportViolation(ctx, name, err)
			settleErr = err
		}
	}

	if matchErr != nil {
		// 剩余部分未挂单，退回对应冻结
		refund := order.Remaining()
		if side == orderbook.SideBuy {
			refund *= price
		}
		if err := e.ledger.unlock(userID, lockAsset, refund); err != nil {
			e.reportViolation(ctx, name, err)
		}
		e.reportViolation(ctx, name, matchErr)
	}

	e.emitOrderEvents(name, m.book, order, result)
	e.updateDepthGauge(name, m.book)
	metrics.AddTradesCreated(string(name), len(result.Fills))

	log.Debugf("order processed", logger.Fields{
		"orderId": order.OrderID, "userId": userID, "side": side.String(),
		"price": price, "quantity": quantity, "executed": result.ExecutedQty,
		"fills": len(result.Fills), "status": result.Status.String(),
	})

	created := &CreatedOrder{
		OrderID:     order.OrderID,
		Status:      result.Status,
		ExecutedQty: result.ExecutedQty,
		Fills:       result.Fills,
	}
	if matchErr != nil {
		return created, apperrors.Newf(apperrors.CodeInvariantViolation, "%s: %v", name, matchErr)
	}
	return created, settleErr
}

// settle 交割一笔成交：卖方冻结的基础资产给买方，买方冻结的计价资产给卖方。
// 买方冻结价高于成交价的部分（价格改善）退回买方可用余额。
func (e *Engine) settle(assets orderbook.Assets, taker *orderbook.Order, fill orderbook.Fill, maker orderbook.Order) error {
	buyer, seller := taker.UserID, maker.UserID
	buyerPrice := taker.Price
	if taker.Side == orderbook.SideSell {
		buyer, seller = maker.UserID, taker.UserID
		buyerPrice = maker.Price
	}

	quote := fill.Price * fill.Quantity
	improvement := (buyerPrice - fill.Price) * fill.Quantity

	if err := e.ledger.debitLocked(seller, assets.Base, fill.Quantity); err != nil {
		return err
	}
	if err := e.ledger.debitLocked(buyer, assets.Quote, quote+improvement); err != nil {
		e.ledger.restoreLocked(seller, assets.Base, fill.Quantity)
		return err
	}

	e.ledger.credit(buyer, assets.Base, fill.Quantity)
	e.ledger.credit(seller, assets.Quote, quote)
	if improvement > 0 {
		e.ledger.credit(buyer, assets.Quote, improvement)
	}
	return nil
}

// emitOrderEvents 在交易对锁内按变更顺序入队
func (e *Engine) emitOrderEvents(name orderbook.Market, book *orderbook.OrderBook, taker *orderbook.Order, res *orderbook.FillResult) {
	fills := res.Fills
	makerSide := taker.Side.Opposite()

	// 每笔成交后 maker 档位剩余量：最终剩余 + 同价位后续成交量
	after := make([]int64, len(fills))
	later := make(map[int64]int64)
	for i := len(fills) - 1; i >= 0; i-- {
		p := fills[i].Price
		after[i] = book.LevelQty(makerSide, p) + later[p]
		later[p] += fills[i].Quantity
	}

	buyerMaker := taker.Side == orderbook.SideSell
	for i, f := range fills {
		e.outbox.pushDB(types.DbMessage{
			Type: types.DbTradeAdded,
			Data: types.TradeAdded{
				ID:            strconv.FormatInt(f.TradeID, 10),
				IsBuyerMaker:  buyerMaker,
				Price:         f.Price,
				Quantity:      f.Quantity,
				QuoteQuantity: f.Price * f.Quantity,
				Timestamp:     f.Timestamp,
				Market:        name,
			},
		})
		e.outbox.publishWS(types.Channel(types.EventTrade, name),
			types.NewTradeMessage(name, f.TradeID, buyerMaker, f.Price, f.Quantity))
		e.outbox.publishWS(types.Channel(types.EventDepth, name),
			types.NewDepthMessage(name, makerSide, f.Price, after[i]))
	}

	price, quantity, side := taker.Price, taker.Quantity, taker.Side
	e.outbox.pushDB(types.DbMessage{
		Type: types.DbOrderUpdate,
		Data: types.OrderUpdate{
			OrderID:     taker.OrderID,
			ExecutedQty: res.ExecutedQty,
			Market:      name,
			Price:       &price,
			Quantity:    &quantity,
			Side:        &side,
		},
	})
	for _, mk := range res.MakerUpdates {
		e.outbox.pushDB(types.DbMessage{
			Type: types.DbOrderUpdate,
			Data: types.OrderUpdate{OrderID: mk.OrderID, ExecutedQty: mk.Filled},
		})
	}

	if len(fills) > 0 {
		e.outbox.publishWS(types.Channel(types.EventTicker, name), tickerMessage(name, fills))
	}
	if res.Rested {
		e.outbox.publishWS(types.Channel(types.EventDepth, name),
			types.NewDepthMessage(name, taker.Side, taker.Price, book.LevelQty(taker.Side, taker.Price)))
	}
}

func tickerMessage(name orderbook.Market, fills []orderbook.Fill) types.WsMessage {
	last := fills[len(fills)-1]
	high, low := last.Price, last.Price
	var volume, quoteVolume int64
	for _, f := range fills {
		high = max(high, f.Price)
		low = min(low, f.Price)
		volume += f.Quantity
		quoteVolume += f.Price * f.Quantity
	}
	return types.WsMessage{
		Stream: types.Channel(types.EventTicker, name),
		Data: types.TickerData{
			C:  types.FormatAmount(last.Price),
			H:  types.FormatAmount(high),
			L:  types.FormatAmount(low),
			V:  types.FormatAmount(volume),
			V2: types.FormatAmount(quoteVolume),
			S:  string(name),
			ID: last.TradeID,
			E:  types.EventTicker,
		},
	}
}

// CancelOrder 撤单并退回剩余部分的冻结。userID 不为空时只允许撤自己的订单。
func (e *Engine) CancelOrder(ctx context.Context, orderID string, name orderbook.Market, userID string) (*types.OrderCancelled, error) {
	if orderID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "order id required")
	}
	m, err := e.market(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.book.Get(orderID); !ok || (userID != "" && o.UserID != userID) {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found in %s", orderID, name)
	}
	cancelled, err := m.book.Cancel(orderID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found in %s", orderID, name)
	}

	assets := name.Assets()
	refundAsset, refund := assets.Base, cancelled.Remaining()
	if cancelled.Side == orderbook.SideBuy {
		refundAsset, refund = assets.Quote, cancelled.Remaining()*cancelled.Price
	}
	var unlockErr error
	if err := e.ledger.unlock(cancelled.UserID, refundAsset, refund); err != nil {
		e.reportViolation(ctx, name, err)
		unlockErr = err
	}

	price, quantity, side := cancelled.Price, cancelled.Quantity, cancelled.Side
	e.outbox.pushDB(types.DbMessage{
		Type: types.DbOrderUpdate,
		Data: types.OrderUpdate{
			OrderID:     cancelled.OrderID,
			ExecutedQty: cancelled.Filled,
			Market:      name,
			Price:       &price,
			Quantity:    &quantity,
			Side:        &side,
		},
	})
	e.outbox.publishWS(types.Channel(types.EventDepth, name),
		types.NewDepthMessage(name, side, price, m.book.LevelQty(side, price)))
	e.updateDepthGauge(name, m.book)

	return &types.OrderCancelled{
		OrderID:      cancelled.OrderID,
		ExecutedQty:  cancelled.Filled,
		RemainingQty: cancelled.Remaining(),
	}, unlockErr
}

// OnRamp 入金；asset 为空时使用默认交易对的计价资产
func (e *Engine) OnRamp(ctx context.Context, userID, asset string, amount int64) (Balance, error) {
	if userID == "" {
		return Balance{}, apperrors.New(apperrors.CodeInvalidRequest, "user id required")
	}
	if amount <= 0 {
		return Balance{}, apperrors.New(apperrors.CodeInvalidRequest, "amount must be positive")
	}
	if asset == "" {
		asset = e.defaultMarket.Assets().Quote
	}
	if !knownAsset(asset) {
		return Balance{}, apperrors.Newf(apperrors.CodeInvalidRequest, "unknown asset %q", asset)
	}

	b := e.ledger.credit(userID, asset, amount)
	e.log.WithContext(ctx).Infof("on ramp", logger.Fields{
		"userId": userID, "asset": asset, "amount": amount,
	})
	return b, nil
}

func knownAsset(asset string) bool {
	for _, m := range orderbook.Markets() {
		a := m.Assets()
		if a.Base == asset || a.Quote == asset {
			return true
		}
	}
	return false
}

// GetDepth 深度副本
func (e *Engine) GetDepth(name orderbook.Market) (orderbook.Depth, error) {
	m, err := e.market(name)
	if err != nil {
		return orderbook.Depth{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.DepthSnapshot(), nil
}

// GetOpenOrders 用户挂单，按时间排序
func (e *Engine) GetOpenOrders(userID string, name orderbook.Market) ([]orderbook.Order, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "user id required")
	}
	m, err := e.market(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	orders := m.book.OpenOrders(userID)
	m.mu.Unlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Timestamp != orders[j].Timestamp {
			return orders[i].Timestamp < orders[j].Timestamp
		}
		return orders[i].OrderID < orders[j].OrderID
	})
	return orders, nil
}

// Balance 单个资产余额
func (e *Engine) Balance(userID, asset string) Balance {
	return e.ledger.get(userID, asset)
}

// Balances 用户全部资产余额
func (e *Engine) Balances(userID string) map[string]Balance {
	return e.ledger.getAll(userID)
}

// Snapshot 一致性副本：按固定顺序持有全部交易对锁完成拷贝后释放，序列化与写盘在锁外进行
func (e *Engine) Snapshot() State {
	for _, name := range e.names {
		e.markets[name].mu.Lock()
	}
	st := State{OrderBooks: make([]orderbook.BookState, 0, len(e.names))}
	for _, name := range e.names {
		st.OrderBooks = append(st.OrderBooks, e.markets[name].book.State())
	}
	st.Balances = e.ledger.snapshot()
	for i := len(e.names) - 1; i >= 0; i-- {
		e.markets[e.names[i]].mu.Unlock()
	}
	return st
}

func (e *Engine) reportViolation(ctx context.Context, name orderbook.Market, err error) {
	metrics.IncInvariantViolation(string(name))
	e.log.WithContext(ctx).WithError(err).Errorf("invariant violation", logger.Fields{
		"market": string(name),
	})
}

func (e *Engine) updateDepthGauge(name orderbook.Market, book *orderbook.OrderBook) {
	metrics.SetOrderbookDepth(string(name), "buy", float64(book.Levels(orderbook.SideBuy)))
	metrics.SetOrderbookDepth(string(name), "sell", float64(book.Levels(orderbook.SideSell)))
}
