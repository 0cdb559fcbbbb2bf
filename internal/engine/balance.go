package engine

import (
	"sort"
	"sync"

	apperrors "github.com/exchange/matching/pkg/errors"
)

// Balance 单个资产余额
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Total 可用 + 冻结
func (b Balance) Total() int64 {
	return b.Available + b.Locked
}

// account 单个用户的全部资产，mu 保护 assets
type account struct {
	mu     sync.Mutex
	assets map[string]*Balance
}

// balance 按需创建资产条目，调用方持有 a.mu
func (a *account) balance(asset string) *Balance {
	b, ok := a.assets[asset]
	if !ok {
		b = &Balance{}
		a.assets[asset] = b
	}
	return b
}

// ledger 用户余额。锁顺序：交易对锁在前，用户锁在后；同一时刻只持有一个用户锁。
type ledger struct {
	mu       sync.RWMutex // 保护 accounts 映射本身
	accounts map[string]*account
}

func newLedger() *ledger {
	return &ledger{accounts: make(map[string]*account)}
}

func (l *ledger) account(userID string) *account {
	l.mu.RLock()
	a, ok := l.accounts[userID]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[userID]; ok {
		return a
	}
	a = &account{assets: make(map[string]*Balance)}
	l.accounts[userID] = a
	return a
}

// get 余额副本
func (l *ledger) get(userID, asset string) Balance {
	l.mu.RLock()
	a, ok := l.accounts[userID]
	l.mu.RUnlock()
	if !ok {
		return Balance{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.assets[asset]; ok {
		return *b
	}
	return Balance{}
}

// getAll 用户全部资产副本
func (l *ledger) getAll(userID string) map[string]Balance {
	out := make(map[string]Balance)
	l.mu.RLock()
	a, ok := l.accounts[userID]
	l.mu.RUnlock()
	if !ok {
		return out
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for asset, b := range a.assets {
		out[asset] = *b
	}
	return out
}

// credit 增加可用余额
func (l *ledger) credit(userID, asset string, amount int64) Balance {
	a := l.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	b.Available += amount
	return *b
}

// lock 可用 -> 冻结
func (l *ledger) lock(userID, asset string, amount int64) error {
	a := l.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	if b.Available < amount {
		return apperrors.Newf(apperrors.CodeInsufficientBalance,
			"insufficient %s: available=%d required=%d", asset, b.Available, amount)
	}
	b.Available -= amount
	b.Locked += amount
	return nil
}

// unlock 冻结 -> 可用
func (l *ledger) unlock(userID, asset string, amount int64) error {
	if amount == 0 {
		return nil
	}
	a := l.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	if b.Locked < amount {
		return apperrors.Newf(apperrors.CodeInvariantViolation,
			"unlock %s for %s: locked=%d amount=%d", asset, userID, b.Locked, amount)
	}
	b.Locked -= amount
	b.Available += amount
	return nil
}

// debitLocked 扣减冻结余额，用于成交交割
func (l *ledger) debitLocked(userID, asset string, amount int64) error {
	a := l.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance(asset)
	if b.Locked < amount {
		return apperrors.Newf(apperrors.CodeInvariantViolation,
			"debit %s for %s: locked=%d amount=%d", asset, userID, b.Locked, amount)
	}
	b.Locked -= amount
	return nil
}

// restoreLocked 回滚 debitLocked
func (l *ledger) restoreLocked(userID, asset string, amount int64) {
	a := l.account(userID)
	a.mu.Lock()
	b := a.balance(asset)
	b.Locked += amount
	a.mu.Unlock()
}

// snapshot 全量副本；调用方需持有所有交易对锁以保证一致性
func (l *ledger) snapshot() map[string]map[string]Balance {
	l.mu.RLock()
	users := make([]string, 0, len(l.accounts))
	for u := range l.accounts {
		users = append(users, u)
	}
	l.mu.RUnlock()
	sort.Strings(users)

	out := make(map[string]map[string]Balance, len(users))
	for _, u := range users {
		out[u] = l.getAll(u)
	}
	return out
}

// load 从快照加载，负数余额直接拒绝
func (l *ledger) load(balances map[string]map[string]Balance) error {
	for user, assets := range balances {
		a := l.account(user)
		a.mu.Lock()
		for asset, b := range assets {
			if b.Available < 0 || b.Locked < 0 {
				a.mu.Unlock()
				return apperrors.Newf(apperrors.CodeInvariantViolation,
					"negative balance %s/%s: %+v", user, asset, b)
			}
			nb := b
			a.assets[asset] = &nb
		}
		a.mu.Unlock()
	}
	return nil
}
