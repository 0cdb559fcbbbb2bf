// Package orderbook 订单簿实现
//
// OrderBook 本身不加锁，调用方（engine 的交易对锁）负责串行化同一交易对上的操作。
package orderbook

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/btree"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide 解析 BUY / SELL
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// FillStatus 主动方成交状态
type FillStatus int

const (
	Unfilled FillStatus = iota
	PartiallyFilled
	Filled
)

func (s FillStatus) String() string {
	switch s {
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	default:
		return "UNFILLED"
	}
}

func (s FillStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SelfTradePolicy 自成交策略
type SelfTradePolicy int

const (
	// SelfTradeAllow 允许同一用户的订单互相成交
	SelfTradeAllow SelfTradePolicy = iota
	// SelfTradeSkip 跳过同一用户的挂单
	SelfTradeSkip
)

// ParseSelfTradePolicy 解析 allow / skip
func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return SelfTradeAllow, nil
	case "skip":
		return SelfTradeSkip, nil
	default:
		return 0, fmt.Errorf("unknown self-trade policy %q", s)
	}
}

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrNegativeDepth  = errors.New("depth would become negative")
)

// Order 订单
type Order struct {
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	Side      Side   `json:"side"`
	Price     int64  `json:"price"`    // 最小单位整数
	Quantity  int64  `json:"quantity"` // 原始数量
	Filled    int64  `json:"filled"`   // 已成交数量
	Timestamp int64  `json:"timestamp"`
	element   *list.Element
}

// Remaining 剩余未成交数量
func (o *Order) Remaining() int64 {
	return o.Quantity - o.Filled
}

func (o *Order) clone() Order {
	c := *o
	c.element = nil
	return c
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order，按到达顺序
	Total  int64      // 该档位剩余总量
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Depth 深度：价格 -> 剩余总量
type Depth struct {
	Bids map[int64]int64 `json:"bid_depth"`
	Asks map[int64]int64 `json:"ask_depth"`
}

// Fill 成交
type Fill struct {
	TradeID      int64  `json:"trade_id"`
	Price        int64  `json:"price"`
	Quantity     int64  `json:"quantity"`
	MakerOrderID string `json:"maker_order_id"`
	MakerUserID  string `json:"maker_id"`
	TakerOrderID string `json:"taker_order_id"`
	TakerUserID  string `json:"taker_id"`
	TakerSide    Side   `json:"taker_side"`
	Timestamp    int64  `json:"timestamp"`
}

// FillResult 撮合结果
type FillResult struct {
	Status       FillStatus
	ExecutedQty  int64
	Fills        []Fill
	MakerUpdates []Order // 被动方订单成交后的副本，与 Fills 一一对应
	Rested       bool    // 剩余部分是否已挂入订单簿
}

// Option 订单簿选项
type Option func(*OrderBook)

// WithSelfTradePolicy 设置自成交策略
func WithSelfTradePolicy(p SelfTradePolicy) Option {
	return func(ob *OrderBook) { ob.selfTrade = p }
}

// WithClock 设置时间源（纳秒）
func WithClock(now func() int64) Option {
	return func(ob *OrderBook) { ob.now = now }
}

// OrderBook 订单簿
type OrderBook struct {
	Market Market

	// 买盘按价格降序遍历（Reverse），卖盘按价格升序遍历（Scan）
	bids *btree.Map[int64, *PriceLevel]
	asks *btree.Map[int64, *PriceLevel]

	// 订单索引
	orders map[string]*Order

	lastTradeID int64
	lastPrice   int64

	selfTrade SelfTradePolicy
	now       func() int64
}

// NewOrderBook 创建订单簿
func NewOrderBook(market Market, opts ...Option) *OrderBook {
	ob := &OrderBook{
		Market: market,
		bids:   btree.NewMap[int64, *PriceLevel](32),
		asks:   btree.NewMap[int64, *PriceLevel](32),
		orders: make(map[string]*Order),
		now:    func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

// AddOrder 撮合 order，剩余部分按限价挂单。
// order 会被原地修改（Filled / Timestamp）。返回 error 时剩余部分不挂单，
// 已产生的成交仍在 FillResult 中，调用方需要完成结算。
func (ob *OrderBook) AddOrder(order *Order) (*FillResult, error) {
	if err := ob.validateIncoming(order); err != nil {
		return nil, err
	}
	if order.Timestamp == 0 {
		order.Timestamp = ob.now()
	}

	result := &FillResult{}
	err := ob.match(order, result)
	result.ExecutedQty = order.Filled

	switch {
	case order.Filled == order.Quantity:
		result.Status = Filled
	case order.Filled > 0:
		result.Status = PartiallyFilled
	default:
		result.Status = Unfilled
	}

	if err != nil {
		return result, err
	}

	if order.Remaining() > 0 {
		ob.rest(order)
		result.Rested = true
	}
	return result, nil
}

func (ob *OrderBook) validateIncoming(order *Order) error {
	if order == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if order.OrderID == "" {
		return fmt.Errorf("%w: empty order id", ErrInvalidOrder)
	}
	if !order.Side.Valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, int(order.Side))
	}
	if order.Price <= 0 || order.Quantity <= 0 {
		return fmt.Errorf("%w: price=%d quantity=%d", ErrInvalidOrder, order.Price, order.Quantity)
	}
	if order.Filled != 0 {
		return fmt.Errorf("%w: incoming order already filled %d", ErrInvalidOrder, order.Filled)
	}
	if _, exists := ob.orders[order.OrderID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.OrderID)
	}
	return nil
}

// match 价格优先、时间优先撮合。只访问可成交的档位和被消耗的订单。
func (ob *OrderBook) match(taker *Order, result *FillResult) error {
	var (
		levels  *btree.Map[int64, *PriceLevel]
		iterate func(func(int64, *PriceLevel) bool)
		crosses func(makerPrice int64) bool
	)
	if taker.Side == SideBuy {
		levels = ob.asks
		iterate = levels.Scan
		crosses = func(makerPrice int64) bool { return makerPrice <= taker.Price }
	} else {
		levels = ob.bids
		iterate = levels.Reverse
		crosses = func(makerPrice int64) bool { return makerPrice >= taker.Price }
	}

	now := ob.now()
	var (
		emptied []int64
		err     error
	)

	iterate(func(price int64, level *PriceLevel) bool {
		if taker.Remaining() <= 0 || !crosses(price) {
			return false
		}

		for e := level.Orders.Front(); e != nil && taker.Remaining() > 0; {
			maker := e.Value.(*Order)
			next := e.Next()

			// 自成交检查
			if ob.selfTrade == SelfTradeSkip && maker.UserID == taker.UserID {
				e = next
				continue
			}

			matchQty := min(taker.Remaining(), maker.Remaining())
			if matchQty <= 0 || matchQty > level.Total {
				err = fmt.Errorf("%w: market=%s price=%d level=%d match=%d",
					ErrNegativeDepth, ob.Market, price, level.Total, matchQty)
				return false
			}

			taker.Filled += matchQty
			maker.Filled += matchQty
			level.Total -= matchQty

			ob.lastTradeID++
			ob.lastPrice = price
			result.Fills = append(result.Fills, Fill{
				TradeID:      ob.lastTradeID,
				Price:        price, // 成交价为 maker 价格
				Quantity:     matchQty,
				MakerOrderID: maker.OrderID,
				MakerUserID:  maker.UserID,
				TakerOrderID: taker.OrderID,
				TakerUserID:  taker.UserID,
				TakerSide:    taker.Side,
				Timestamp:    now,
			})
			result.MakerUpdates = append(result.MakerUpdates, maker.clone())

			// 移除完全成交的 maker
			if maker.Remaining() <= 0 {
				level.Orders.Remove(e)
				maker.element = nil
				delete(ob.orders, maker.OrderID)
			}
			e = next
		}

		if level.Orders.Len() == 0 {
			emptied = append(emptied, price)
		}
		return true
	})

	// 遍历中不能修改树，结束后移除空档位
	for _, price := range emptied {
		levels.Delete(price)
	}
	return err
}

// rest 挂单到对应价格档位队尾
func (ob *OrderBook) rest(order *Order) {
	levels := ob.sideLevels(order.Side)
	level, exists := levels.Get(order.Price)
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels.Set(order.Price, level)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.Remaining()
	ob.orders[order.OrderID] = order
}

// Cancel 撤单，返回被移除订单的副本（含价格与剩余数量）
func (ob *OrderBook) Cancel(orderID string) (Order, error) {
	order, exists := ob.orders[orderID]
	if !exists {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	levels := ob.sideLevels(order.Side)
	if level, ok := levels.Get(order.Price); ok {
		level.Orders.Remove(order.element)
		level.Total -= order.Remaining()
		if level.Orders.Len() == 0 {
			levels.Delete(order.Price)
		}
	}
	order.element = nil
	delete(ob.orders, orderID)
	return order.clone(), nil
}

// Get 获取挂单副本
func (ob *OrderBook) Get(orderID string) (Order, bool) {
	order, exists := ob.orders[orderID]
	if !exists {
		return Order{}, false
	}
	return order.clone(), true
}

// OpenOrders 用户在该订单簿上的挂单（无序）
func (ob *OrderBook) OpenOrders(userID string) []Order {
	out := make([]Order, 0)
	for _, o := range ob.orders {
		if o.UserID == userID {
			out = append(out, o.clone())
		}
	}
	return out
}

// DepthSnapshot 深度只读副本
func (ob *OrderBook) DepthSnapshot() Depth {
	d := Depth{
		Bids: make(map[int64]int64, ob.bids.Len()),
		Asks: make(map[int64]int64, ob.asks.Len()),
	}
	ob.bids.Scan(func(price int64, level *PriceLevel) bool {
		d.Bids[price] = level.Total
		return true
	})
	ob.asks.Scan(func(price int64, level *PriceLevel) bool {
		d.Asks[price] = level.Total
		return true
	})
	return d
}

// Depth 按优先级排序的前 limit 档，limit<=0 表示全部
func (ob *OrderBook) Depth(limit int) (bids, asks []PriceQty) {
	bids = make([]PriceQty, 0)
	asks = make([]PriceQty, 0)

	ob.bids.Reverse(func(price int64, level *PriceLevel) bool {
		bids = append(bids, PriceQty{Price: price, Qty: level.Total})
		return limit <= 0 || len(bids) < limit
	})
	ob.asks.Scan(func(price int64, level *PriceLevel) bool {
		asks = append(asks, PriceQty{Price: price, Qty: level.Total})
		return limit <= 0 || len(asks) < limit
	})
	return bids, asks
}

// LevelQty 某一档位当前剩余总量，不存在返回 0
func (ob *OrderBook) LevelQty(side Side, price int64) int64 {
	if level, ok := ob.sideLevels(side).Get(price); ok {
		return level.Total
	}
	return 0
}

// BestBid 最优买价
func (ob *OrderBook) BestBid() (int64, int64, bool) {
	price, level, ok := ob.bids.Max()
	if !ok {
		return 0, 0, false
	}
	return price, level.Total, true
}

// BestAsk 最优卖价
func (ob *OrderBook) BestAsk() (int64, int64, bool) {
	price, level, ok := ob.asks.Min()
	if !ok {
		return 0, 0, false
	}
	return price, level.Total, true
}

func (ob *OrderBook) LastTradeID() int64 { return ob.lastTradeID }

func (ob *OrderBook) LastPrice() int64 { return ob.lastPrice }

// Levels 某一方向的档位数量
func (ob *OrderBook) Levels(side Side) int {
	return ob.sideLevels(side).Len()
}

// Len 挂单数量
func (ob *OrderBook) Len() int { return len(ob.orders) }

// CheckDepth 校验深度不变量：每个档位的 Total 等于该档位挂单剩余量之和且为正
func (ob *OrderBook) CheckDepth() error {
	seen := 0
	check := func(side Side, levels *btree.Map[int64, *PriceLevel]) error {
		var err error
		levels.Scan(func(price int64, level *PriceLevel) bool {
			var sum int64
			for e := level.Orders.Front(); e != nil; e = e.Next() {
				o := e.Value.(*Order)
				if o.Side != side || o.Price != price {
					err = fmt.Errorf("order %s misplaced at %s %d", o.OrderID, side, price)
					return false
				}
				if o.Filled < 0 || o.Filled >= o.Quantity {
					err = fmt.Errorf("order %s filled=%d quantity=%d", o.OrderID, o.Filled, o.Quantity)
					return false
				}
				sum += o.Remaining()
				seen++
			}
			if level.Total <= 0 || level.Total != sum {
				err = fmt.Errorf("%s level %d total=%d sum=%d", side, price, level.Total, sum)
				return false
			}
			return true
		})
		return err
	}
	if err := check(SideBuy, ob.bids); err != nil {
		return err
	}
	if err := check(SideSell, ob.asks); err != nil {
		return err
	}
	if seen != len(ob.orders) {
		return fmt.Errorf("index has %d orders, levels hold %d", len(ob.orders), seen)
	}
	return nil
}

func (ob *OrderBook) sideLevels(side Side) *btree.Map[int64, *PriceLevel] {
	if side == SideBuy {
		return ob.bids
	}
	return ob.asks
}
