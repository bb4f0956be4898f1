package cache

import (
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec 是后台清扫的默认 cron 表达式。
const DefaultSweepSpec = "@every 1m"

// Purger 是可以被后台清扫的缓存（*Store[V] 满足该接口）。
type Purger interface {
	PurgeExpired() int
}

// Sweeper 按 cron 计划周期性清扫过期条目。
// 读路径本身已经忽略过期条目；Sweeper 只负责回收内存。
type Sweeper struct {
	cron   *cron.Cron
	stores []Purger
	logger *slog.Logger
}

// NewSweeper 注册清扫任务；spec 为空时使用 DefaultSweepSpec。
func NewSweeper(spec string, logger *slog.Logger, stores ...Purger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSweepSpec
	}

	s := &Sweeper{
		cron:   cron.New(),
		stores: append([]Purger(nil), stores...),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.SweepOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// SweepOnce 立即清扫一次全部 store。
func (s *Sweeper) SweepOnce() {
	total := 0
	for _, st := range s.stores {
		if st == nil {
			continue
		}
		total += st.PurgeExpired()
	}
	if total > 0 {
		s.logger.Debug("cache sweep", "purged", total)
	}
}

// Start 在后台启动调度（非阻塞）。
func (s *Sweeper) Start() { s.cron.Start() }

// Stop 停止调度并等待正在运行的清扫结束。
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
