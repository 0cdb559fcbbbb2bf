package types

import (
	"encoding/json"
	"fmt"

	"github.com/exchange/matching/internal/orderbook"
)

// 来自 API 的消息类型
const (
	MsgCreateOrder   = "CREATE_ORDER"
	MsgCancelOrder   = "CANCEL_ORDER"
	MsgOnRamp        = "ON_RAMP"
	MsgGetDepth      = "GET_DEPTH"
	MsgGetOpenOrders = "GET_OPEN_ORDERS"
)

// 回复 API 的消息类型
const (
	ReplyOrderPlaced    = "ORDER_PLACED"
	ReplyOrderCancelled = "ORDER_CANCELLED"
	ReplyDepth          = "DEPTH"
	ReplyOpenOrders     = "OPEN_ORDERS"
	ReplyOnRamp         = "ON_RAMP"
	ReplyError          = "ERROR"
)

// MessageFromAPI API 请求信封
type MessageFromAPI struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode 解析 data
func (m MessageFromAPI) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

type CreateOrder struct {
	Market   string         `json:"market"`
	Price    int64          `json:"price"`
	Quantity int64          `json:"quantity"`
	Side     orderbook.Side `json:"side"`
	UserID   string         `json:"user_id"`
}

// CancelOrder user_id 为空时不校验归属
type CancelOrder struct {
	OrderID string `json:"order_id"`
	Market  string `json:"market"`
	UserID  string `json:"user_id,omitempty"`
}

// OnRamp 入金，asset 为空时使用默认交易对的计价资产
type OnRamp struct {
	Amount int64  `json:"amount"`
	UserID string `json:"user_id"`
	TxnID  string `json:"txn_id"`
	Asset  string `json:"asset,omitempty"`
}

type GetDepth struct {
	Market string `json:"market"`
}

type GetOpenOrders struct {
	UserID string `json:"user_id"`
	Market string `json:"market"`
}

// MessageToAPI API 回复信封
type MessageToAPI struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Fill 回复中的成交明细
type Fill struct {
	Price   string `json:"price"`
	Qty     int64  `json:"qty"`
	TradeID int64  `json:"trade_id"`
}

type OrderPlaced struct {
	OrderID     string `json:"order_id"`
	ExecutedQty int64  `json:"executed_qty"`
	Fills       []Fill `json:"fills"`
}

type OrderCancelled struct {
	OrderID      string `json:"order_id"`
	ExecutedQty  int64  `json:"executed_qty"`
	RemainingQty int64  `json:"remaining_qty"`
}

type OpenOrders struct {
	Orders []orderbook.Order `json:"orders"`
}

type OnRampResult struct {
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
}

// ErrorPayload 错误回复
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
