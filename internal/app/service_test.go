package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/ics"
)

type fakeSource struct {
	calls atomic.Int32
	err   error
	gate  chan struct{} // 非 nil 时 WasteCollectionData 阻塞到 gate 关闭
}

func (f *fakeSource) AllLocations(context.Context) ([]domain.Location, error) {
	return []domain.Location{{ID: 1, Name: "Wermelskirchen", Provider: domain.ProviderRegioIT}}, nil
}

func (f *fakeSource) Streets(context.Context, string) ([]domain.Street, error) {
	return []domain.Street{{ID: 7001, Name: "Elbringhausen"}}, nil
}

func (f *fakeSource) HouseNumbers(context.Context, string, string) ([]domain.HouseNumber, error) {
	return []domain.HouseNumber{}, nil
}

func (f *fakeSource) WasteCollectionData(ctx context.Context, q domain.Query) (domain.CalendarResponse, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.CalendarResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.CalendarResponse{}, f.err
	}
	return domain.CalendarResponse{
		Location: domain.Location{ID: 2510, Name: q.Location, Provider: domain.ProviderRegioIT},
		Street:   domain.Street{ID: 7001, Name: q.Street},
		Fractions: []domain.Fraction{
			{ID: 79, Name: "Gelber Sack"},
		},
		Appointments: []domain.Appointment{
			{Date: "2026-02-15", FractionID: 79, FractionName: "Gelber Sack"},
		},
	}, nil
}

var testQuery = domain.Query{Location: "Wermelskirchen", Street: "Elbringhausen"}

func TestCalendar_CachedFlagAndExpiry(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	s := NewService(src, time.Hour, WithClock(func() time.Time { return now }))

	first, err := s.Calendar(context.Background(), testQuery)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, first.CacheExpiresAt.After(now))
	assert.Equal(t, now.Add(time.Hour), first.CacheExpiresAt)

	second, err := s.Calendar(context.Background(), domain.Query{Location: " wermelskirchen ", Street: "ELBRINGHAUSEN"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.CacheExpiresAt, second.CacheExpiresAt)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(2 * time.Hour)
	third, err := s.Calendar(context.Background(), testQuery)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCalendar_ConcurrentMissesCollapse(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	s := NewService(src, time.Hour)

	const n = 8
	var wg sync.WaitGroup
	results := make([]CalendarResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Calendar(context.Background(), testQuery)
		}()
	}
	// 等待第一个请求进入上游后再放行
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, results[i].Data.Appointments, 1)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCalendar_CancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	s := NewService(src, time.Hour)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Calendar(ctxA, testQuery)
		errA <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res CalendarResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := s.Calendar(context.Background(), testQuery)
		doneB <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("取消后调用方 A 应立即返回")
	}

	close(src.gate)
	select {
	case b := <-doneB:
		require.NoError(t, b.err)
		assert.Len(t, b.res.Data.Appointments, 1)
	case <-time.After(time.Second):
		t.Fatalf("调用方 B 未拿到结果")
	}
	assert.Equal(t, int32(1), src.calls.Load())

	cached, err := s.Calendar(context.Background(), testQuery)
	require.NoError(t, err)
	assert.True(t, cached.Cached, "A 取消后拉取结果仍应写入缓存")
}

func TestCalendar_SharedFetchIsBounded(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	defer close(src.gate)
	s := NewService(src, time.Hour, WithFetchTimeout(30*time.Millisecond))

	_, err := s.Calendar(context.Background(), testQuery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCalendar_ErrorsAreNotCached(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeSource{err: boom}
	s := NewService(src, time.Hour)

	_, err := s.Calendar(context.Background(), testQuery)
	require.ErrorIs(t, err, boom)

	src.err = nil
	res, err := s.Calendar(context.Background(), testQuery)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRefresh_Refetches(t *testing.T) {
	src := &fakeSource{}
	s := NewService(src, time.Hour)

	_, err := s.Calendar(context.Background(), testQuery)
	require.NoError(t, err)
	res, err := s.Refresh(context.Background(), testQuery)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), src.calls.Load())

	res, err = s.Calendar(context.Background(), testQuery)
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestInvalidQuery(t *testing.T) {
	s := NewService(&fakeSource{}, time.Hour)

	_, err := s.Calendar(context.Background(), domain.Query{Location: "Wermelskirchen"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = s.Streets(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = s.HouseNumbers(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestExport_UsesCacheAndStableUID(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	s := NewService(src, time.Hour, WithClock(func() time.Time { return now }))

	b, res, err := s.Export(context.Background(), testQuery, ics.Options{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	out := string(b)
	assert.Contains(t, out, "UID:"+ics.CalendarID(testQuery)+"-20260215-79@abfallkalender\r\n")
	assert.Contains(t, out, "DTSTAMP:20260201T100000Z\r\n")
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR\r\n"))

	_, res, err = s.Export(context.Background(), testQuery, ics.Options{Filter: ics.Filter{Fractions: map[int]bool{1: true}}})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(1), src.calls.Load())
}
