package snapshot

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/metrics"
	"github.com/exchange/matching/pkg/health"
	"github.com/exchange/matching/pkg/logger"
)

// Source 提供一致性状态副本
type Source interface {
	Snapshot() engine.State
}

// Job 定时快照任务。写入失败只记录日志，下一个周期重试。
type Job struct {
	store    *Store
	source   Source
	interval time.Duration
	log      *logger.Logger

	mu   sync.Mutex // 串行化定时写入与停止时的最终写入
	cron *cron.Cron
	loop *health.LoopMonitor
}

func NewJob(store *Store, source Source, interval time.Duration, log *logger.Logger) *Job {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Job{
		store:    store,
		source:   source,
		interval: interval,
		log:      log,
		loop:     health.NewLoopMonitor("snapshot"),
	}
}

// Start 按 @every interval 调度；上一轮未结束时跳过本轮
func (j *Job) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.interval), func() {
		_ = j.RunOnce()
	}); err != nil {
		return fmt.Errorf("schedule snapshot job: %w", err)
	}
	j.cron = c
	j.loop.Tick()
	c.Start()
	return nil
}

// RunOnce 复制状态并写盘，复制在引擎锁内完成，序列化与 I/O 在锁外
func (j *Job) RunOnce() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	st := j.source.Snapshot()
	err := j.store.Save(st)
	j.loop.Tick()

	if err != nil {
		metrics.ObserveSnapshot("error", time.Since(start))
		j.loop.SetError(err)
		j.log.WithError(err).Errorf("snapshot write failed", logger.Fields{"path": j.store.Path})
		return err
	}
	metrics.ObserveSnapshot("ok", time.Since(start))
	j.loop.ClearError()
	j.log.Debugf("snapshot written", logger.Fields{
		"path": j.store.Path, "orderbooks": len(st.OrderBooks), "durationMs": time.Since(start).Milliseconds(),
	})
	return nil
}

// Stop 停止调度，等待进行中的写入结束后做最后一次写入
func (j *Job) Stop() error {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	return j.RunOnce()
}

// Healthy 快照任务是否在 maxAge 内运行过
func (j *Job) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return j.loop.Healthy(now, maxAge)
}
