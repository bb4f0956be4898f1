// Package server 提供日历服务的 HTTP 接口（chi 路由）。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/John-Robertt/abfallkalender/internal/app"
	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/ics"
	"github.com/John-Robertt/abfallkalender/internal/provider"
)

const (
	RequestIDHeader = "X-Request-ID"
	CacheHeader     = "X-Cache"

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 60 * time.Second
	defaultIdleTimeout  = 2 * time.Minute
)

// CalendarService 是 HTTP 层需要的服务能力（*app.Service 满足该接口）。
type CalendarService interface {
	Locations(ctx context.Context) ([]domain.Location, error)
	Streets(ctx context.Context, location string) ([]domain.Street, error)
	HouseNumbers(ctx context.Context, location, street string) ([]domain.HouseNumber, error)
	Calendar(ctx context.Context, q domain.Query) (app.CalendarResult, error)
	Refresh(ctx context.Context, q domain.Query) (app.CalendarResult, error)
	Export(ctx context.Context, q domain.Query, opts ics.Options) ([]byte, app.CalendarResult, error)
}

type Server struct {
	HTTPServer *http.Server

	svc    CalendarService
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建服务器；addr 为空时使用 ":8080"。
func New(addr string, svc CalendarService, opts ...Option) *Server {
	if strings.TrimSpace(addr) == "" {
		addr = ":8080"
	}
	s := &Server{svc: svc, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	return s
}

// Routes 返回完整的路由（测试可直接配合 httptest 使用）。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": s.now().UTC(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/locations", s.handleLocations)
		r.Get("/streets", s.handleStreets)
		r.Get("/housenumbers", s.handleHouseNumbers)
		r.Get("/calendar", s.handleCalendar)
		r.Post("/calendar/refresh", s.handleRefresh)
		r.Get("/calendar.ics", s.handleICS)
	})
	return r
}

// ListenAndServe 阻塞直到服务器关闭；正常 Shutdown 返回 nil。
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP 服务启动", "addr", s.HTTPServer.Addr)
	if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.HTTPServer.Shutdown(ctx)
}

type response struct {
	Success        bool       `json:"success"`
	Data           any        `json:"data,omitempty"`
	Cached         *bool      `json:"cached,omitempty"`
	CacheExpiresAt *time.Time `json:"cacheExpiresAt,omitempty"`
	Error          string     `json:"error,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := s.svc.Locations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, locs)
}

func (s *Server) handleStreets(w http.ResponseWriter, r *http.Request) {
	loc := param(r, "location")
	if loc == "" {
		s.writeError(w, r, missing("location"))
		return
	}
	streets, err := s.svc.Streets(r.Context(), loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, streets)
}

func (s *Server) handleHouseNumbers(w http.ResponseWriter, r *http.Request) {
	loc, street := param(r, "location"), param(r, "street")
	if loc == "" || street == "" {
		s.writeError(w, r, missing("location", "street"))
		return
	}
	hnrs, err := s.svc.HouseNumbers(r.Context(), loc, street)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, hnrs)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Calendar(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCalendar(w, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Refresh(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeCalendar(w, res)
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	q, ok := s.query(w, r)
	if !ok {
		return
	}
	opts, err := icsOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, res, err := s.svc.Export(r.Context(), q, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", icsFilename(q)))
	w.Header().Set(CacheHeader, cacheState(res.Cached))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// query 读取 location/street/housenumber；缺参时已写出 400。
func (s *Server) query(w http.ResponseWriter, r *http.Request) (domain.Query, bool) {
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
	}
	q := domain.Query{
		Location:    param(r, "location"),
		Street:      param(r, "street"),
		HouseNumber: param(r, "housenumber"),
	}
	if q.Location == "" || q.Street == "" {
		s.writeError(w, r, missing("location", "street"))
		return domain.Query{}, false
	}
	return q, true
}

func param(r *http.Request, name string) string {
	if r.Form != nil {
		return strings.TrimSpace(r.Form.Get(name))
	}
	return strings.TrimSpace(r.URL.Query().Get(name))
}

func missing(names ...string) error {
	return fmt.Errorf("%w: %s", app.ErrInvalidQuery, strings.Join(names, ", "))
}

// icsOptions 解析 fractions=1,2、from/to（YYYY-MM-DD）与 reminder（Go duration，如 12h，至少 1m）。
func icsOptions(r *http.Request) (ics.Options, error) {
	var opts ics.Options
	if raw := param(r, "fractions"); raw != "" {
		opts.Filter.Fractions = make(map[int]bool)
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.Atoi(part)
			if err != nil {
				return ics.Options{}, fmt.Errorf("%w: fractions 必须是逗号分隔的整数：%q", app.ErrInvalidQuery, part)
			}
			opts.Filter.Fractions[id] = true
		}
	}
	for _, p := range []struct {
		name string
		dst  *string
	}{{"from", &opts.Filter.From}, {"to", &opts.Filter.To}} {
		v := param(r, p.name)
		if v == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, v); err != nil {
			return ics.Options{}, fmt.Errorf("%w: %s 必须是 YYYY-MM-DD：%q", app.ErrInvalidQuery, p.name, v)
		}
		*p.dst = v
	}
	if v := param(r, "reminder"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < ics.MinReminder {
			return ics.Options{}, fmt.Errorf("%w: reminder 非法：%q", app.ErrInvalidQuery, v)
		}
		opts.Reminder = d
	}
	return opts, nil
}

func icsFilename(q domain.Query) string {
	slug := strings.NewReplacer(" ", "-", "/", "-", "\\", "-", "\"", "").Replace(domain.NormalizeName(q.Location + " " + q.Street))
	return "abfallkalender-" + slug + ".ics"
}

func cacheState(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}

// statusOf 把错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return provider.StatusOf(err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: data, Timestamp: s.now().UTC()})
}

func (s *Server) writeCalendar(w http.ResponseWriter, res app.CalendarResult) {
	cached := res.Cached
	out := response{Success: true, Data: res.Data, Cached: &cached, Timestamp: s.now().UTC()}
	if !res.CacheExpiresAt.IsZero() {
		exp := res.CacheExpiresAt.UTC()
		out.CacheExpiresAt = &exp
	}
	w.Header().Set(CacheHeader, cacheState(cached))
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "请求失败",
		"request_id", RequestID(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"err", err,
	)
	s.writeJSON(w, status, response{Success: false, Error: err.Error(), Timestamp: s.now().UTC()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("写出响应失败", "err", err)
	}
}

type ctxKey struct{}

// RequestID 返回中间件写入 ctx 的请求 ID。
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// requestID 沿用调用方的 X-Request-ID，缺失时生成 UUID。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.logger.Info("http",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"size", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
