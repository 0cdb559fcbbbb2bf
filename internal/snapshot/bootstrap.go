package snapshot

import (
	"errors"
	"fmt"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/pkg/logger"
)

// Bootstrap 无可用快照时的初始状态
type Bootstrap struct {
	Market  orderbook.Market
	User    string
	Balance int64 // 基础资产与计价资产各自的初始可用余额
}

// State 一个空订单簿 + 一个预置余额的默认用户
func (b Bootstrap) State() engine.State {
	assets := b.Market.Assets()
	return engine.State{
		OrderBooks: []orderbook.BookState{{
			Market: b.Market,
			Bids:   []orderbook.Order{},
			Asks:   []orderbook.Order{},
		}},
		Balances: map[string]map[string]engine.Balance{
			b.User: {
				assets.Base:  {Available: b.Balance},
				assets.Quote: {Available: b.Balance},
			},
		},
	}
}

// Validate 校验快照文档：交易对已知且唯一、挂单合法、余额非负
func Validate(st *engine.State) error {
	if st == nil {
		return errors.New("nil snapshot")
	}
	seen := make(map[orderbook.Market]bool, len(st.OrderBooks))
	for _, bs := range st.OrderBooks {
		if seen[bs.Market] {
			return fmt.Errorf("duplicate orderbook %s", bs.Market)
		}
		seen[bs.Market] = true
		if _, err := orderbook.Restore(bs); err != nil {
			return err
		}
	}
	for user, assets := range st.Balances {
		if user == "" {
			return errors.New("empty user id in balances")
		}
		for asset, b := range assets {
			if b.Available < 0 || b.Locked < 0 {
				return fmt.Errorf("negative balance %s/%s: available=%d locked=%d", user, asset, b.Available, b.Locked)
			}
		}
	}
	return nil
}

// LoadOrBootstrap 读取快照；缺失、无法读取或校验失败时记录日志并返回初始状态。
// restored 表示是否来自快照文件。
func LoadOrBootstrap(store *Store, b Bootstrap, log *logger.Logger) (st engine.State, restored bool) {
	if log == nil {
		log = logger.Nop()
	}
	loaded, err := store.Load()
	if err == nil {
		err = Validate(loaded)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Infof("no snapshot found, bootstrapping", logger.Fields{"path": store.Path})
		} else {
			log.WithError(err).Errorf("snapshot unusable, bootstrapping", logger.Fields{"path": store.Path})
		}
		return b.State(), false
	}

	if loaded.Balances == nil {
		loaded.Balances = make(map[string]map[string]engine.Balance)
	}
	log.Infof("snapshot restored", logger.Fields{
		"path": store.Path, "orderbooks": len(loaded.OrderBooks), "users": len(loaded.Balances),
	})
	return *loaded, true
}
