package engine

import (
	"context"
	"sync"
	"time"

	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/internal/types"
	"github.com/exchange/matching/pkg/logger"
)

// Publisher 事件出口。Push 写成交历史队列，Publish 写行情频道。
type Publisher interface {
	Push(ctx context.Context, msg types.DbMessage) error
	Publish(ctx context.Context, channel string, msg types.WsMessage) error
}

const publishTimeout = 5 * time.Second

// event 出箱条目，db 与 ws 二选一
type event struct {
	db      *types.DbMessage
	channel string
	ws      *types.WsMessage
}

// outbox 有序事件出箱：单个分发协程按入队顺序投递
type outbox struct {
	pub Publisher
	log *logger.Logger

	mu     sync.RWMutex // 保护 ch 的关闭
	ch     chan event
	closed bool

	startOnce sync.Once
	done      chan struct{}
}

func newOutbox(pub Publisher, size int, log *logger.Logger) *outbox {
	if size <= 0 {
		size = 10000
	}
	return &outbox{
		pub:  pub,
		log:  log,
		ch:   make(chan event, size),
		done: make(chan struct{}),
	}
}

func (o *outbox) pushDB(msg types.DbMessage) {
	o.enqueue(event{db: &msg})
}

func (o *outbox) publishWS(channel string, msg types.WsMessage) {
	o.enqueue(event{channel: channel, ws: &msg})
}

// enqueue 不阻塞撮合；出箱已满或已关闭时丢弃
func (o *outbox) enqueue(ev event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		metrics.IncEventsDropped()
		return
	}
	select {
	case o.ch <- ev:
	default:
		metrics.IncEventsDropped()
		o.log.Warnf("outbox full, event dropped", logger.Fields{
			"channel": ev.channel, "db": ev.db != nil,
		})
	}
}

func (o *outbox) start(ctx context.Context) {
	o.startOnce.Do(func() {
		go o.run(context.WithoutCancel(ctx))
	})
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for ev := range o.ch {
		o.deliver(ctx, ev)
	}
}

func (o *outbox) deliver(ctx context.Context, ev event) {
	if o.pub == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if ev.db != nil {
		if err := o.pub.Push(sendCtx, *ev.db); err != nil {
			metrics.IncPublishError("db")
			o.log.WithError(err).Warnf("push db message error", logger.Fields{"type": ev.db.Type})
		}
		return
	}
	if err := o.pub.Publish(sendCtx, ev.channel, *ev.ws); err != nil {
		metrics.IncPublishError("ws")
		o.log.WithError(err).Warnf("publish ws message error", logger.Fields{"channel": ev.channel})
	}
}

// close 停止接收并等待已入队事件投递完毕
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.ch)
	o.mu.Unlock()

	// 未启动时补启分发协程以排空
	o.startOnce.Do(func() {
		go o.run(context.Background())
	})
	<-o.done
}
