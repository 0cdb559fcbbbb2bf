package orderbook

import (
	"fmt"
	"sort"
	"strings"
)

// Market 交易对
type Market string

const (
	MarketBTCUSD       Market = "BTC_USD"
	MarketTataINR      Market = "TATA_INR"
	MarketGoogleDollar Market = "GOOGLE_DOLLAR"
	MarketNvidiaINR    Market = "NVIDIA_INR"
	MarketTeslaDollar  Market = "TESLA_DOLLAR"
)

// Assets 交易对的基础资产 / 计价资产
type Assets struct {
	Base  string
	Quote string
}

var marketAssets = map[Market]Assets{
	MarketBTCUSD:       {Base: "BTC", Quote: "USD"},
	MarketTataINR:      {Base: "TATA", Quote: "INR"},
	MarketGoogleDollar: {Base: "GOOGLE", Quote: "DOLLAR"},
	MarketNvidiaINR:    {Base: "NVIDIA", Quote: "INR"},
	MarketTeslaDollar:  {Base: "TESLA", Quote: "DOLLAR"},
}

// ParseMarket 解析交易对名称，大小写不敏感
func ParseMarket(s string) (Market, error) {
	m := Market(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := marketAssets[m]; !ok {
		return "", fmt.Errorf("unknown market %q", s)
	}
	return m, nil
}

// Valid 是否为已定义的交易对
func (m Market) Valid() bool {
	_, ok := marketAssets[m]
	return ok
}

// Assets 返回交易对资产，未定义的交易对返回零值
func (m Market) Assets() Assets {
	return marketAssets[m]
}

func (m Market) String() string {
	return string(m)
}

// Markets 所有已定义交易对，按名称排序
func Markets() []Market {
	out := make([]Market, 0, len(marketAssets))
	for m := range marketAssets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
