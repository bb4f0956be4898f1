// Package regioit 实现 RegioIT AbfallNavi 的 REST JSON 客户端（结构化 provider，也是默认 provider）。
package regioit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/infra/cache"
	"github.com/John-Robertt/abfallkalender/internal/parse"
	"github.com/John-Robertt/abfallkalender/internal/provider"
)

const (
	// Name 是错误与日志中使用的 provider 名称。
	Name = string(domain.ProviderRegioIT)

	// DefaultBaseURL 是 BAV（Bergischer Abfallwirtschaftsverband）部署，覆盖 Wermelskirchen 等城市。
	DefaultBaseURL = "https://bav-abfallapp.regioit.de/abfall-app-bav/rest"

	// DefaultCatalogTTL 是 Ort/Straße/Fraktion 目录的缓存时长。
	DefaultCatalogTTL = 24 * time.Hour

	// 单个 JSON 响应的读取上限。
	maxBodyBytes = 8 << 20
)

// Client 访问 AbfallNavi API。目录类数据（Orte、Straßen、Fraktionen）带缓存，收运日期不缓存。
type Client struct {
	base   string
	hc     *http.Client
	logger *slog.Logger

	locations *cache.Store[[]domain.Location]
	streets   *cache.Store[[]domain.Street]
	fractions *cache.Store[[]domain.Fraction]
}

type settings struct {
	catalogTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*settings)

// WithCatalogTTL 覆盖目录缓存时长；d <= 0 时保持默认。
func WithCatalogTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.catalogTTL = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 仅用于测试（控制缓存过期）。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建客户端；baseURL 为空时使用 DefaultBaseURL，c 为空时使用 http.DefaultClient。
func New(baseURL string, c *http.Client, opts ...Option) *Client {
	st := settings{catalogTTL: DefaultCatalogTTL, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(&st)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if c == nil {
		c = http.DefaultClient
	}
	clock := cache.WithClock(st.now)
	return &Client{
		base:      baseURL,
		hc:        c,
		logger:    st.logger.With("provider", Name),
		locations: cache.New[[]domain.Location](st.catalogTTL, clock),
		streets:   cache.New[[]domain.Street](st.catalogTTL, clock),
		fractions: cache.New[[]domain.Fraction](st.catalogTTL, clock),
	}
}

// Caches 返回客户端内部的缓存，供后台清扫注册。
func (c *Client) Caches() []cache.Purger {
	return []cache.Purger{c.locations, c.streets, c.fractions}
}

// Locations 返回全部 Orte（/orte）。
func (c *Client) Locations(ctx context.Context) ([]domain.Location, error) {
	const key = "orte"
	if v, ok := c.locations.Get(key); ok {
		return v, nil
	}
	var wire []wireOrt
	if err := c.getJSON(ctx, "orte", "/orte", &wire); err != nil {
		return nil, err
	}
	out := make([]domain.Location, 0, len(wire))
	for _, o := range wire {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			continue
		}
		out = append(out, domain.Location{ID: o.ID, Name: name, Provider: domain.ProviderRegioIT})
	}
	c.locations.Set(key, out)
	return out, nil
}

// LocationByName 按名称（trim + 大小写不敏感，完全匹配）查找 Ort。
func (c *Client) LocationByName(ctx context.Context, name string) (domain.Location, error) {
	locs, err := c.Locations(ctx)
	if err != nil {
		return domain.Location{}, err
	}
	for _, l := range locs {
		if domain.SameName(l.Name, name) {
			return l, nil
		}
	}
	return domain.Location{}, provider.NotFound(Name, "未找到 Ort %q", strings.TrimSpace(name))
}

// Streets 返回某个 Ort 的全部 Straßen（/orte/{id}/strassen），含房号列表。
func (c *Client) Streets(ctx context.Context, locationID int) ([]domain.Street, error) {
	key := strconv.Itoa(locationID)
	if v, ok := c.streets.Get(key); ok {
		return v, nil
	}
	var wire []wireStrasse
	if err := c.getJSON(ctx, "strassen", fmt.Sprintf("/orte/%d/strassen", locationID), &wire); err != nil {
		return nil, err
	}
	out := make([]domain.Street, 0, len(wire))
	for _, s := range wire {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		st := domain.Street{ID: s.ID, Name: name, LocationID: locationID}
		for _, h := range s.HouseNumbers {
			label := h.label()
			if h.ID == "" && label == "" {
				continue
			}
			st.HouseNumbers = append(st.HouseNumbers, domain.HouseNumber{ID: string(h.ID), Name: label, StreetID: s.ID})
		}
		out = append(out, st)
	}
	c.streets.Set(key, out)
	return out, nil
}

// StreetByName 在 Ort 内按名称（trim + 大小写不敏感，完全匹配）查找 Straße。
func (c *Client) StreetByName(ctx context.Context, locationID int, name string) (domain.Street, error) {
	streets, err := c.Streets(ctx, locationID)
	if err != nil {
		return domain.Street{}, err
	}
	for _, s := range streets {
		if domain.SameName(s.Name, name) {
			return s, nil
		}
	}
	return domain.Street{}, provider.NotFound(Name, "未找到 Straße %q", strings.TrimSpace(name))
}

// Fractions 返回 Fraktionen 目录（/fraktionen）；farbe 统一为 #RRGGBB。
func (c *Client) Fractions(ctx context.Context) ([]domain.Fraction, error) {
	const key = "fraktionen"
	if v, ok := c.fractions.Get(key); ok {
		return v, nil
	}
	var wire []wireFraktion
	if err := c.getJSON(ctx, "fraktionen", "/fraktionen", &wire); err != nil {
		return nil, err
	}
	out := make([]domain.Fraction, 0, len(wire))
	for _, f := range wire {
		name := strings.TrimSpace(f.Name)
		color := parse.NormalizeHexColor(f.Farbe)
		if color == "" {
			color = parse.GuessColor(name)
		}
		out = append(out, domain.Fraction{ID: f.ID, Name: name, Color: color, Icon: string(f.IconNummer)})
	}
	domain.SortFractions(out)
	c.fractions.Set(key, out)
	return out, nil
}

// CollectionDates 返回某条 Straße 的收运日期（/strassen/{id}/termine），只填充 FractionID。
func (c *Client) CollectionDates(ctx context.Context, streetID int) ([]domain.Appointment, error) {
	return c.termine(ctx, fmt.Sprintf("/strassen/%d/termine", streetID))
}

// CollectionDatesForHouseNumber 返回某个房号的收运日期（/hausnummern/{id}/termine）。
func (c *Client) CollectionDatesForHouseNumber(ctx context.Context, houseNumberID string) ([]domain.Appointment, error) {
	id := strings.TrimSpace(houseNumberID)
	if id == "" {
		return nil, errors.New("hausnummer id 不能为空")
	}
	return c.termine(ctx, "/hausnummern/"+id+"/termine")
}

func (c *Client) termine(ctx context.Context, path string) ([]domain.Appointment, error) {
	var wire []wireTermin
	if err := c.getJSON(ctx, "termine", path, &wire); err != nil {
		return nil, err
	}
	out := make([]domain.Appointment, 0, len(wire))
	for _, t := range wire {
		date := strings.TrimSpace(t.Datum)
		if len(date) > len(domain.DateLayout) {
			date = date[:len(domain.DateLayout)]
		}
		if _, err := time.Parse(domain.DateLayout, date); err != nil {
			c.logger.Debug("跳过无法解析的日期", "datum", t.Datum)
			continue
		}
		out = append(out, domain.Appointment{Date: date, FractionID: t.Bezirk.FraktionID})
	}
	domain.SortAppointments(out)
	return out, nil
}

// WasteCollectionData 解析 Ort → Straße（→ 房号），并发拉取 Fraktionen 与 Termine，组装完整的日历响应。
//
// 响应里的 Fractions 只包含被引用的类别（按 ID 排序）；目录中不存在的 ID 以 "Unbekannt" 补齐。
func (c *Client) WasteCollectionData(ctx context.Context, locationName, streetName, houseNumber string) (domain.CalendarResponse, error) {
	loc, err := c.LocationByName(ctx, locationName)
	if err != nil {
		return domain.CalendarResponse{}, err
	}
	st, err := c.StreetByName(ctx, loc.ID, streetName)
	if err != nil {
		return domain.CalendarResponse{}, err
	}

	hnrs := st.HouseNumbers
	var hnr *domain.HouseNumber
	if strings.TrimSpace(houseNumber) != "" {
		for i := range st.HouseNumbers {
			if domain.SameName(st.HouseNumbers[i].Name, houseNumber) {
				hnr = &st.HouseNumbers[i]
				break
			}
		}
		if hnr == nil {
			return domain.CalendarResponse{}, provider.NotFound(Name, "Straße %[2]q 中未找到 Hausnummer %[1]q", strings.TrimSpace(houseNumber), st.Name)
		}
		hnrs = []domain.HouseNumber{*hnr}
	}

	var (
		catalog []domain.Fraction
		apps    []domain.Appointment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		catalog, err = c.Fractions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		if hnr != nil {
			apps, err = c.CollectionDatesForHouseNumber(gctx, hnr.ID)
		} else {
			apps, err = c.CollectionDates(gctx, st.ID)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.CalendarResponse{}, err
	}

	fractions := joinFractions(catalog, apps)
	st.HouseNumbers = nil
	if hnrs == nil {
		hnrs = []domain.HouseNumber{}
	}
	return domain.CalendarResponse{
		Location:     loc,
		Street:       st,
		HouseNumbers: hnrs,
		Fractions:    fractions,
		Appointments: apps,
	}, nil
}

// joinFractions 给 apps 填充 FractionName，并返回被引用的 fraction 列表。
func joinFractions(catalog []domain.Fraction, apps []domain.Appointment) []domain.Fraction {
	byID := make(map[int]domain.Fraction, len(catalog))
	for _, f := range catalog {
		byID[f.ID] = f
	}
	used := make(map[int]domain.Fraction)
	for i := range apps {
		f, ok := byID[apps[i].FractionID]
		if !ok {
			f = domain.Fraction{ID: apps[i].FractionID, Name: domain.UnknownFractionName, Color: parse.DefaultFractionColor}
		}
		apps[i].FractionName = f.Name
		used[f.ID] = f
	}
	out := make([]domain.Fraction, 0, len(used))
	for _, f := range used {
		out = append(out, f)
	}
	domain.SortFractions(out)
	return out
}

func (c *Client) getJSON(ctx context.Context, stage, path string, v any) error {
	u := c.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return provider.Wrap(Name, stage, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return provider.Wrap(Name, stage, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("upstream", "stage", stage, "url", u, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return provider.HTTPStatus(Name, stage, u, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		return provider.Wrap(Name, stage, fmt.Errorf("解析 JSON 失败（%s）：%w", u, err))
	}
	return nil
}
