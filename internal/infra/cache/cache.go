package cache

import (
	"sync"
	"time"
)

// Store 是进程内的 key/value 缓存，每个条目带独立 TTL。
//
// 约束：
// - 除 TTL 过期外不做任何淘汰；内存上限由调用方自律
// - 已过期但尚未被清扫的条目，读路径一律视为不存在
// - Get 返回存入的原值（不 clone），调用方不得修改共享的 slice/map
// - 仅单进程有效，不提供跨进程一致性
type Store[V any] struct {
	mu         sync.RWMutex
	items      map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Option 配置 Store。
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 替换时钟（测试用）。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建一个默认 TTL 为 defaultTTL 的 Store。defaultTTL <= 0 时条目永不过期。
func New[V any](defaultTTL time.Duration, opts ...Option) *Store[V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store[V]{
		items:      make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        o.now,
	}
}

// DefaultTTL 返回未显式指定 TTL 时使用的值。
func (s *Store[V]) DefaultTTL() time.Duration { return s.defaultTTL }

func (s *Store[V]) live(e entry[V], now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Get 返回 key 对应的值；不存在或已过期时 ok=false。
func (s *Store[V]) Get(key string) (v V, ok bool) {
	s.mu.RLock()
	e, exists := s.items[key]
	s.mu.RUnlock()
	if !exists || !s.live(e, s.now()) {
		return v, false
	}
	return e.value, true
}

// Set 写入 key。ttl 省略或 <= 0 时使用默认 TTL。
func (s *Store[V]) Set(key string, v V, ttl ...time.Duration) bool {
	d := s.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}
	var exp time.Time
	if d > 0 {
		exp = s.now().Add(d)
	}

	s.mu.Lock()
	s.items[key] = entry[V]{value: v, expiresAt: exp}
	s.mu.Unlock()
	return true
}

// Has 报告 key 是否存在且未过期。
func (s *Store[V]) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete 删除 key，返回实际删除的条目数（0 或 1）。
func (s *Store[V]) Delete(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return 0
	}
	delete(s.items, key)
	return 1
}

// ExpiresAt 返回 key 的绝对过期时刻。永不过期的条目返回零值 time 与 ok=true。
func (s *Store[V]) ExpiresAt(key string) (time.Time, bool) {
	s.mu.RLock()
	e, exists := s.items[key]
	s.mu.RUnlock()
	if !exists || !s.live(e, s.now()) {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// ExpiryTimestamp 返回 key 的绝对过期时刻（Unix 毫秒）。
// 永不过期的条目返回 0 与 ok=true。
func (s *Store[V]) ExpiryTimestamp(key string) (int64, bool) {
	t, ok := s.ExpiresAt(key)
	if !ok {
		return 0, false
	}
	if t.IsZero() {
		return 0, true
	}
	return t.UnixMilli(), true
}

// Clear 删除所有条目。
func (s *Store[V]) Clear() {
	s.mu.Lock()
	s.items = make(map[string]entry[V])
	s.mu.Unlock()
}

// Len 返回当前条目数（包含尚未清扫的过期条目）。
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// PurgeExpired 删除所有已过期条目，返回删除数量。
func (s *Store[V]) PurgeExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.items {
		if !s.live(e, now) {
			delete(s.items, k)
			n++
		}
	}
	return n
}
