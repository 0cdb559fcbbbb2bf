package orderbook

import (
	"fmt"
)

// BookState 订单簿可序列化状态，挂单按撮合优先级排列
type BookState struct {
	Market          Market  `json:"market"`
	Bids            []Order `json:"bids"`
	Asks            []Order `json:"asks"`
	LastTradeID     int64   `json:"last_trade_id"`
	LastTradedPrice int64   `json:"last_traded_price"`
}

// State 导出订单簿状态副本
func (ob *OrderBook) State() BookState {
	st := BookState{
		Market:          ob.Market,
		Bids:            make([]Order, 0),
		Asks:            make([]Order, 0),
		LastTradeID:     ob.lastTradeID,
		LastTradedPrice: ob.lastPrice,
	}
	ob.bids.Reverse(func(_ int64, level *PriceLevel) bool {
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			st.Bids = append(st.Bids, e.Value.(*Order).clone())
		}
		return true
	})
	ob.asks.Scan(func(_ int64, level *PriceLevel) bool {
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			st.Asks = append(st.Asks, e.Value.(*Order).clone())
		}
		return true
	})
	return st
}

// Restore 从状态重建订单簿，挂单按给定顺序重新入队，深度由挂单重新聚合
func Restore(st BookState, opts ...Option) (*OrderBook, error) {
	if !st.Market.Valid() {
		return nil, fmt.Errorf("restore: unknown market %q", st.Market)
	}
	if st.LastTradeID < 0 || st.LastTradedPrice < 0 {
		return nil, fmt.Errorf("restore %s: negative counters", st.Market)
	}

	ob := NewOrderBook(st.Market, opts...)
	ob.lastTradeID = st.LastTradeID
	ob.lastPrice = st.LastTradedPrice

	load := func(side Side, orders []Order) error {
		for i := range orders {
			o := orders[i]
			if o.Side != side {
				return fmt.Errorf("restore %s: order %s on wrong side", st.Market, o.OrderID)
			}
			if o.OrderID == "" || o.Price <= 0 || o.Quantity <= 0 {
				return fmt.Errorf("restore %s: malformed order %+v", st.Market, o)
			}
			if o.Filled < 0 || o.Filled >= o.Quantity {
				return fmt.Errorf("restore %s: order %s filled=%d quantity=%d",
					st.Market, o.OrderID, o.Filled, o.Quantity)
			}
			if _, dup := ob.orders[o.OrderID]; dup {
				return fmt.Errorf("restore %s: %w: %s", st.Market, ErrDuplicateOrder, o.OrderID)
			}
			ob.rest(&o)
		}
		return nil
	}
	if err := load(SideBuy, st.Bids); err != nil {
		return nil, err
	}
	if err := load(SideSell, st.Asks); err != nil {
		return nil, err
	}

	return ob, nil
}
