package types

import (
	"fmt"
	"strconv"

	"github.com/exchange/matching/internal/orderbook"
)

// 行情事件类型
const (
	EventTicker = "ticker"
	EventDepth  = "depth"
	EventTrade  = "trade"
)

// WsMessage 行情广播消息
type WsMessage struct {
	Stream string      `json:"stream"`
	Data   interface{} `json:"data"`
}

// TickerData 行情摘要
type TickerData struct {
	C  string `json:"c,omitempty"`   // 最新价
	H  string `json:"h,omitempty"`   // 最高价
	L  string `json:"l,omitempty"`   // 最低价
	V  string `json:"v,omitempty"`   // 成交量
	V2 string `json:"v_2,omitempty"` // 成交额
	S  string `json:"s,omitempty"`   // 交易对
	ID int64  `json:"id"`
	E  string `json:"e"`
}

// DepthData 深度增量，[价格, 数量]；数量为 "0" 表示档位已移除
type DepthData struct {
	B [][2]string `json:"b,omitempty"`
	A [][2]string `json:"a,omitempty"`
	E string      `json:"e"`
}

// TradeData 成交推送
type TradeData struct {
	E string `json:"e"`
	T int64  `json:"t"`
	M bool   `json:"m"` // 买方是否为 maker
	P string `json:"p"`
	Q string `json:"q"`
	S string `json:"s"`
}

// Channel 行情频道名，例如 trade@BTC_USD
func Channel(event string, market orderbook.Market) string {
	return fmt.Sprintf("%s@%s", event, market)
}

// FormatAmount 整数金额的十进制字符串
func FormatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}

// NewTradeMessage 构造成交推送
func NewTradeMessage(market orderbook.Market, tradeID int64, buyerMaker bool, price, qty int64) WsMessage {
	return WsMessage{
		Stream: Channel(EventTrade, market),
		Data: TradeData{
			E: EventTrade,
			T: tradeID,
			M: buyerMaker,
			P: FormatAmount(price),
			Q: FormatAmount(qty),
			S: string(market),
		},
	}
}

// NewDepthMessage 构造单档深度推送
func NewDepthMessage(market orderbook.Market, side orderbook.Side, price, qty int64) WsMessage {
	level := [][2]string{{FormatAmount(price), FormatAmount(qty)}}
	data := DepthData{E: EventDepth}
	if side == orderbook.SideBuy {
		data.B = level
	} else {
		data.A = level
	}
	return WsMessage{Stream: Channel(EventDepth, market), Data: data}
}
