package types

import (
	"github.com/exchange/matching/internal/orderbook"
)

// DbMessage 类型
const (
	DbTradeAdded  = "TRADE_ADDED"
	DbOrderUpdate = "ORDER_UPDATE"
)

// DbMessage 推送给成交历史库的消息
type DbMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// TradeAdded 一笔成交
type TradeAdded struct {
	ID            string           `json:"id"`
	IsBuyerMaker  bool             `json:"is_buyer_maker"`
	Price         int64            `json:"price"`
	Quantity      int64            `json:"quantity"`
	QuoteQuantity int64            `json:"quotequantity"`
	Timestamp     int64            `json:"timestamp"`
	Market        orderbook.Market `json:"market"`
}

// OrderUpdate 订单成交量变化；maker 更新只带 order_id / executed_qty
type OrderUpdate struct {
	OrderID     string           `json:"order_id"`
	ExecutedQty int64            `json:"executed_qty"`
	Market      orderbook.Market `json:"market,omitempty"`
	Price       *int64           `json:"price,omitempty"`
	Quantity    *int64           `json:"quantity,omitempty"`
	Side        *orderbook.Side  `json:"side,omitempty"`
}

// Key 分区键
func (m DbMessage) Key() string {
	switch d := m.Data.(type) {
	case TradeAdded:
		return string(d.Market)
	case *TradeAdded:
		return string(d.Market)
	case OrderUpdate:
		return d.OrderID
	case *OrderUpdate:
		return d.OrderID
	default:
		return ""
	}
}
