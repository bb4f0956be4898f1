// Package app 把 provider 注册表与日历缓存组合成对外的查询服务。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/ics"
	"github.com/John-Robertt/abfallkalender/internal/infra/cache"
)

const (
	// DefaultCalendarTTL 是整份日历响应的缓存时长。
	DefaultCalendarTTL = 6 * time.Hour
	// DefaultFetchTimeout 限制一次共享上游拉取的总时长。
	DefaultFetchTimeout = 2 * time.Minute
)

// ErrInvalidQuery 表示调用方缺少必填参数。
var ErrInvalidQuery = errors.New("缺少必填参数")

// Source 是 Service 依赖的数据来源（*provider.Registry 满足该接口）。
type Source interface {
	AllLocations(ctx context.Context) ([]domain.Location, error)
	Streets(ctx context.Context, location string) ([]domain.Street, error)
	HouseNumbers(ctx context.Context, location, street string) ([]domain.HouseNumber, error)
	WasteCollectionData(ctx context.Context, q domain.Query) (domain.CalendarResponse, error)
}

// CalendarResult 是一次日历查询的结果以及缓存元信息。
type CalendarResult struct {
	Data           domain.CalendarResponse
	Cached         bool
	CacheExpiresAt time.Time
}

type Service struct {
	src          Source
	logger       *slog.Logger
	now          func() time.Time
	fetchTimeout time.Duration

	calendars *cache.Store[domain.CalendarResponse]
	flight    singleflight.Group
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFetchTimeout 设置共享上游拉取的超时；d <= 0 时忽略。
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建服务；calendarTTL <= 0 时使用 DefaultCalendarTTL。
func NewService(src Source, calendarTTL time.Duration, opts ...Option) *Service {
	if calendarTTL <= 0 {
		calendarTTL = DefaultCalendarTTL
	}
	s := &Service{src: src, logger: slog.Default(), now: time.Now, fetchTimeout: DefaultFetchTimeout}
	for _, o := range opts {
		o(s)
	}
	s.calendars = cache.New[domain.CalendarResponse](calendarTTL, cache.WithClock(s.now))
	return s
}

// Caches 返回日历缓存，供后台清扫注册。
func (s *Service) Caches() []cache.Purger { return []cache.Purger{s.calendars} }

func (s *Service) Locations(ctx context.Context) ([]domain.Location, error) {
	return s.src.AllLocations(ctx)
}

func (s *Service) Streets(ctx context.Context, location string) ([]domain.Street, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("%w：location", ErrInvalidQuery)
	}
	return s.src.Streets(ctx, location)
}

func (s *Service) HouseNumbers(ctx context.Context, location, street string) ([]domain.HouseNumber, error) {
	if err := validate(domain.Query{Location: location, Street: street}); err != nil {
		return nil, err
	}
	return s.src.HouseNumbers(ctx, location, street)
}

func validate(q domain.Query) error {
	var missing []string
	if strings.TrimSpace(q.Location) == "" {
		missing = append(missing, "location")
	}
	if strings.TrimSpace(q.Street) == "" {
		missing = append(missing, "street")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w：%s", ErrInvalidQuery, strings.Join(missing, ", "))
	}
	return nil
}

// Calendar 返回 q 的日历；命中缓存时 Cached=true。
// 同一 key 的并发未命中只会触发一次上游请求。失败结果不缓存。
func (s *Service) Calendar(ctx context.Context, q domain.Query) (CalendarResult, error) {
	if err := validate(q); err != nil {
		return CalendarResult{}, err
	}
	key := q.Key()
	if v, ok := s.calendars.Get(key); ok {
		exp, _ := s.calendars.ExpiresAt(key)
		return CalendarResult{Data: v, Cached: true, CacheExpiresAt: exp}, nil
	}
	return s.load(ctx, q)
}

// Refresh 丢弃缓存后重新拉取（Cached 恒为 false）。
func (s *Service) Refresh(ctx context.Context, q domain.Query) (CalendarResult, error) {
	if err := validate(q); err != nil {
		return CalendarResult{}, err
	}
	if n := s.calendars.Delete(q.Key()); n > 0 {
		s.logger.Info("日历缓存已失效", "key", q.Key())
	}
	return s.load(ctx, q)
}

// load 合并同一 key 的并发拉取。上游拉取一旦开始就跑完（不随任何单个调用方取消），
// 每个调用方只按自己的 ctx 决定是否放弃等待。
func (s *Service) load(ctx context.Context, q domain.Query) (CalendarResult, error) {
	key := q.Key()
	ch := s.flight.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		start := s.now()
		data, err := s.src.WasteCollectionData(fetchCtx, q)
		if err != nil {
			return nil, err
		}
		s.calendars.Set(key, data)
		s.logger.Info("日历已更新",
			"location", data.Location.Name,
			"street", data.Street.Name,
			"provider", data.Location.Provider,
			"appointments", len(data.Appointments),
			"elapsed", s.now().Sub(start),
		)
		return data, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return CalendarResult{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return CalendarResult{}, res.Err
	}
	if res.Shared {
		s.logger.Debug("合并并发请求", "key", key)
	}
	exp, _ := s.calendars.ExpiresAt(key)
	return CalendarResult{Data: res.Val.(domain.CalendarResponse), Cached: false, CacheExpiresAt: exp}, nil
}

// Export 返回 q 的 iCalendar 文本（走与 Calendar 相同的缓存）。
// opts.CalendarID 与 opts.Now 为空时由服务填充。
func (s *Service) Export(ctx context.Context, q domain.Query, opts ics.Options) ([]byte, CalendarResult, error) {
	res, err := s.Calendar(ctx, q)
	if err != nil {
		return nil, CalendarResult{}, err
	}
	if opts.CalendarID == "" {
		opts.CalendarID = ics.CalendarID(q)
	}
	if opts.Now.IsZero() {
		opts.Now = s.now()
	}
	return ics.Build(res.Data, opts), res, nil
}
