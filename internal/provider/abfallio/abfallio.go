// Package abfallio 实现 abfall.io 组件 API 的客户端。
//
// 上游没有结构化接口：每一步是一次表单 POST，响应是 HTML 片段，
// 其中的 hidden 字段携带会话令牌，select 携带下一步的可选项。
package abfallio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/infra/cache"
	"github.com/John-Robertt/abfallkalender/internal/parse"
	"github.com/John-Robertt/abfallkalender/internal/provider"
)

const (
	Name = string(domain.ProviderAbfallIO)

	DefaultBaseURL = "https://api.abfall.io"
	// DefaultModus 是 abfall.io 公共组件使用的 modus。
	DefaultModus = "d6c5855a62cf32a4dadbc2831f0f295f"
	// DefaultSessionTTL 是会话令牌的缓存时长（与日历缓存相互独立）。
	DefaultSessionTTL = 10 * time.Minute

	maxBodyBytes = 4 << 20
)

// 向导步骤（即 waction 参数）。
const (
	ActionInit          = "init"
	ActionKommuneSet    = "auswahl_kommune_set"
	ActionBezirkSet     = "auswahl_bezirk_set"
	ActionStrasseSet    = "auswahl_strasse_set"
	ActionHausnummerSet = "auswahl_hnr_set"
	ActionExportICS     = "export_ics"
)

// ErrNotConfigured 表示没有配置组件 key。
var ErrNotConfigured = errors.New("abfall.io key 未配置")

// Config 描述一个 abfall.io 组件实例。
type Config struct {
	BaseURL string
	Key     string
	Modus   string
}

// Target 是一次日历查询在 abfall.io 上的定位信息。
// BezirkID 为空且页面要求 Bezirk 时逐个尝试。
type Target = provider.Target

type sessionEntry struct {
	Session        Session
	Municipalities []parse.Option
}

type Client struct {
	cfg    Config
	hc     *http.Client
	logger *slog.Logger
	now    func() time.Time

	sessions *cache.Store[sessionEntry]
}

type settings struct {
	sessionTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*settings)

// WithSessionTTL 覆盖会话缓存时长；d <= 0 时保持默认。
func WithSessionTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sessionTTL = d
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

// WithClock 控制会话过期与组件解析时的“当前年月”。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, c *http.Client, opts ...Option) *Client {
	st := settings{sessionTTL: DefaultSessionTTL, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(&st)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Key = strings.TrimSpace(cfg.Key)
	cfg.Modus = strings.TrimSpace(cfg.Modus)
	if cfg.Modus == "" {
		cfg.Modus = DefaultModus
	}
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{
		cfg:      cfg,
		hc:       c,
		logger:   st.logger.With("provider", Name),
		now:      st.now,
		sessions: cache.New[sessionEntry](st.sessionTTL, cache.WithClock(st.now)),
	}
}

// Caches 返回会话缓存，供后台清扫注册。
func (c *Client) Caches() []cache.Purger { return []cache.Purger{c.sessions} }

func (c *Client) sessionKey() string {
	return "abfallio:session:" + c.cfg.Key + ":" + c.cfg.Modus
}

// session 返回缓存中的会话；不存在或已过期时执行第 1 步（init）。
func (c *Client) session(ctx context.Context) (sessionEntry, error) {
	if e, ok := c.sessions.Get(c.sessionKey()); ok {
		return e, nil
	}
	html, err := c.post(ctx, ActionInit, nil)
	if err != nil {
		return sessionEntry{}, err
	}
	p := parse.NewPage(html)
	e := sessionEntry{
		Session:        newSession(p.HiddenFields(), c.now()),
		Municipalities: p.SelectOptions(FieldKommune),
	}
	c.sessions.Set(c.sessionKey(), e)
	c.logger.Debug("新会话", "token_fields", len(e.Session.Token), "kommunen", len(e.Municipalities))
	return e, nil
}

// InvalidateSession 丢弃缓存的会话，下一次调用重新 init。
func (c *Client) InvalidateSession() { c.sessions.Delete(c.sessionKey()) }

// step 提交一步表单，并把响应里的新令牌合并进返回的 Session。
func (c *Client) step(ctx context.Context, s Session, action string, selection map[string]string) (Session, *parse.Page, error) {
	html, err := c.post(ctx, action, s.form(selection))
	if err != nil {
		return s, nil, err
	}
	p := parse.NewPage(html)
	return s.Merge(p.HiddenFields()), p, nil
}

// Municipalities 返回 init 页面上的 Kommune 选项（value 是上游 ID）。
func (c *Client) Municipalities(ctx context.Context) ([]parse.Option, error) {
	e, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	return e.Municipalities, nil
}

// Locations 返回全部 Kommunen；ID 由名称合成（domain.StableID）。
func (c *Client) Locations(ctx context.Context) ([]domain.Location, error) {
	opts, err := c.Municipalities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Location, 0, len(opts))
	for _, o := range opts {
		out = append(out, domain.Location{ID: domain.StableID(o.Label), Name: o.Label, Provider: domain.ProviderAbfallIO})
	}
	return out, nil
}

// KommuneIDByName 在 Kommune 选项中按名称查找上游 ID。
func (c *Client) KommuneIDByName(ctx context.Context, name string) (string, error) {
	opts, err := c.Municipalities(ctx)
	if err != nil {
		return "", err
	}
	for _, o := range opts {
		if domain.SameName(o.Label, name) {
			return o.Value, nil
		}
	}
	return "", provider.NotFound(Name, "未找到 Kommune %q", strings.TrimSpace(name))
}

func (c *Client) locationFor(ctx context.Context, kommuneID string) domain.Location {
	e, err := c.session(ctx)
	if err == nil {
		for _, o := range e.Municipalities {
			if o.Value == kommuneID {
				return domain.Location{ID: domain.StableID(o.Label), Name: o.Label, Provider: domain.ProviderAbfallIO}
			}
		}
	}
	return domain.Location{ID: domain.StableID(kommuneID), Name: kommuneID, Provider: domain.ProviderAbfallIO}
}

// selectKommune 执行第 2 步。
func (c *Client) selectKommune(ctx context.Context, kommuneID string) (Session, *parse.Page, error) {
	if strings.TrimSpace(kommuneID) == "" {
		return Session{}, nil, &provider.APIError{Provider: Name, Stage: ActionKommuneSet, Status: http.StatusBadRequest, Msg: "kommune id 不能为空"}
	}
	e, err := c.session(ctx)
	if err != nil {
		return Session{}, nil, err
	}
	return c.step(ctx, e.Session, ActionKommuneSet, map[string]string{FieldKommune: kommuneID})
}

// selectBezirk 执行第 3 步。
func (c *Client) selectBezirk(ctx context.Context, s Session, kommuneID, bezirkID string) (Session, *parse.Page, error) {
	return c.step(ctx, s, ActionBezirkSet, map[string]string{FieldKommune: kommuneID, FieldBezirk: bezirkID})
}

// Bezirke 返回 Kommune 下的 Bezirk 选项；没有 Bezirk 选择框时返回空列表。
func (c *Client) Bezirke(ctx context.Context, kommuneID string) ([]parse.Option, error) {
	_, p, err := c.selectKommune(ctx, kommuneID)
	if err != nil {
		return nil, err
	}
	return p.SelectOptions(FieldBezirk), nil
}

// Streets 返回 Kommune 下的 Straßen（第 2 步页面上的选择框）。
func (c *Client) Streets(ctx context.Context, kommuneID string) ([]domain.Street, error) {
	_, p, err := c.selectKommune(ctx, kommuneID)
	if err != nil {
		return nil, err
	}
	return c.streetsFrom(ctx, kommuneID, p), nil
}

// StreetsWithBezirk 返回 Kommune + Bezirk 下的 Straßen（第 3 步页面上的选择框）。
func (c *Client) StreetsWithBezirk(ctx context.Context, kommuneID, bezirkID string) ([]domain.Street, error) {
	s, _, err := c.selectKommune(ctx, kommuneID)
	if err != nil {
		return nil, err
	}
	_, p, err := c.selectBezirk(ctx, s, kommuneID, bezirkID)
	if err != nil {
		return nil, err
	}
	return c.streetsFrom(ctx, kommuneID, p), nil
}

func (c *Client) streetsFrom(ctx context.Context, kommuneID string, p *parse.Page) []domain.Street {
	loc := c.locationFor(ctx, kommuneID)
	opts := p.SelectOptions(FieldStrasse)
	out := make([]domain.Street, 0, len(opts))
	for _, o := range opts {
		out = append(out, domain.Street{ID: domain.StableID(o.Label), Name: o.Label, LocationID: loc.ID})
	}
	return out
}

// selection 记录一次向导走到 Straße 之后的状态。
type selection struct {
	session   Session
	kommuneID string
	bezirkID  string
	street    parse.Option
	page      *parse.Page // 第 4 步的响应
}

func (sel selection) fields() map[string]string {
	return map[string]string{
		FieldKommune: sel.kommuneID,
		FieldBezirk:  sel.bezirkID,
		FieldStrasse: sel.street.Value,
	}
}

// selectStreet 执行第 2～4 步。
// 页面要求 Bezirk 而调用方没有给出时，按顺序尝试每个 Bezirk，直到找到该 Straße。
func (c *Client) selectStreet(ctx context.Context, kommuneID, bezirkID, streetName string) (selection, error) {
	s, p, err := c.selectKommune(ctx, kommuneID)
	if err != nil {
		return selection{}, err
	}

	var candidates []string
	switch {
	case strings.TrimSpace(bezirkID) != "":
		candidates = []string{strings.TrimSpace(bezirkID)}
	case p.HasField(FieldBezirk):
		for _, o := range p.SelectOptions(FieldBezirk) {
			candidates = append(candidates, o.Value)
		}
	}

	var (
		street parse.Option
		found  bool
		bezirk string
	)
	if len(candidates) == 0 {
		street, found = findOption(p.SelectOptions(FieldStrasse), streetName)
	}
	for _, b := range candidates {
		s3, p3, err := c.selectBezirk(ctx, s, kommuneID, b)
		if err != nil {
			return selection{}, err
		}
		if street, found = findOption(p3.SelectOptions(FieldStrasse), streetName); found {
			s, bezirk = s3, b
			break
		}
	}
	if !found {
		return selection{}, provider.NotFound(Name, "未找到 Straße %q", strings.TrimSpace(streetName))
	}

	sel := selection{session: s, kommuneID: kommuneID, bezirkID: bezirk, street: street}
	s4, p4, err := c.step(ctx, s, ActionStrasseSet, sel.fields())
	if err != nil {
		return selection{}, err
	}
	sel.session, sel.page = s4, p4
	return sel, nil
}

func findOption(opts []parse.Option, label string) (parse.Option, bool) {
	for _, o := range opts {
		if domain.SameName(o.Label, label) {
			return o, true
		}
	}
	return parse.Option{}, false
}

// HouseNumbers 返回某条 Straße 的房号；页面没有房号选择框时返回空列表。
func (c *Client) HouseNumbers(ctx context.Context, kommuneID, bezirkID, streetName string) ([]domain.HouseNumber, error) {
	sel, err := c.selectStreet(ctx, kommuneID, bezirkID, streetName)
	if err != nil {
		return nil, err
	}
	return houseNumbersFrom(sel), nil
}

func houseNumbersFrom(sel selection) []domain.HouseNumber {
	opts := sel.page.SelectOptions(FieldHausnummer)
	sid := domain.StableID(sel.street.Label)
	out := make([]domain.HouseNumber, 0, len(opts))
	for _, o := range opts {
		out = append(out, domain.HouseNumber{ID: o.Value, Name: o.Label, StreetID: sid})
	}
	return out
}

// WasteCollectionData 依次执行向导步骤并解析最终 HTML 组件。
//
// 组件没有任何收运日期时，再尝试一次 iCalendar 导出；导出失败只记录日志，
// 0 条 appointment 本身是合法结果。
func (c *Client) WasteCollectionData(ctx context.Context, t Target) (domain.CalendarResponse, error) {
	kommuneID := strings.TrimSpace(t.KommuneID)
	if kommuneID == "" {
		id, err := c.KommuneIDByName(ctx, t.LocationName)
		if err != nil {
			return domain.CalendarResponse{}, err
		}
		kommuneID = id
	}

	sel, err := c.selectStreet(ctx, kommuneID, t.BezirkID, t.StreetName)
	if err != nil {
		return domain.CalendarResponse{}, err
	}

	hnrs := houseNumbersFrom(sel)
	final := sel.page
	fields := sel.fields()
	if sel.page.HasField(FieldHausnummer) {
		var chosen *domain.HouseNumber
		switch {
		case strings.TrimSpace(t.HouseNumber) != "":
			for i := range hnrs {
				if domain.SameName(hnrs[i].Name, t.HouseNumber) {
					chosen = &hnrs[i]
					break
				}
			}
			if chosen == nil {
				return domain.CalendarResponse{}, provider.NotFound(Name, "Straße %[2]q 中未找到 Hausnummer %[1]q", strings.TrimSpace(t.HouseNumber), sel.street.Label)
			}
		case len(hnrs) > 0:
			chosen = &hnrs[0]
		}
		if chosen != nil {
			fields[FieldHausnummer] = chosen.ID
			s5, p5, err := c.step(ctx, sel.session, ActionHausnummerSet, fields)
			if err != nil {
				return domain.CalendarResponse{}, err
			}
			sel.session, final = s5, p5
			if strings.TrimSpace(t.HouseNumber) != "" {
				hnrs = []domain.HouseNumber{*chosen}
			}
		}
	}

	apps := parse.ParseWidgetPage(final, c.now())
	if len(apps) == 0 {
		apps = c.exportICS(ctx, sel.session, fields)
	}

	fractions := parse.FractionsFromAppointments(apps)
	for i := range fractions {
		fractions[i].Color = parse.GuessColor(fractions[i].Name)
	}
	domain.SortFractions(fractions)

	loc := c.locationFor(ctx, kommuneID)
	if strings.TrimSpace(t.LocationName) != "" && loc.Name == kommuneID {
		loc = domain.Location{ID: domain.StableID(t.LocationName), Name: strings.TrimSpace(t.LocationName), Provider: domain.ProviderAbfallIO}
	}
	return domain.CalendarResponse{
		Location:     loc,
		Street:       domain.Street{ID: domain.StableID(sel.street.Label), Name: sel.street.Label, LocationID: loc.ID},
		HouseNumbers: hnrs,
		Fractions:    fractions,
		Appointments: apps,
	}, nil
}

// exportICS 是组件为空时的补充来源；任何失败都返回空列表。
func (c *Client) exportICS(ctx context.Context, s Session, fields map[string]string) []domain.Appointment {
	body, err := c.post(ctx, ActionExportICS, s.form(fields))
	if err != nil {
		c.logger.Warn("iCalendar 导出失败", "err", err)
		return []domain.Appointment{}
	}
	return parse.ParseICS(string(body))
}

func (c *Client) endpoint(action string) string {
	return c.endpointWithKey(action, c.cfg.Key)
}

// redactedEndpoint 用于错误信息：key 不能出现在返回给调用方的文本里。
func (c *Client) redactedEndpoint(action string) string {
	return c.endpointWithKey(action, "***")
}

func (c *Client) endpointWithKey(action, key string) string {
	q := url.Values{}
	q.Set("key", key)
	q.Set("modus", c.cfg.Modus)
	q.Set("waction", action)
	return c.cfg.BaseURL + "/?" + q.Encode()
}

// post 提交一步表单；任何非 2xx 都是带 Stage 的 APIError。上游是有状态的，不做重试。
func (c *Client) post(ctx context.Context, action string, form url.Values) ([]byte, error) {
	if c.cfg.Key == "" {
		return nil, &provider.APIError{Provider: Name, Stage: action, Status: http.StatusServiceUnavailable, Err: ErrNotConfigured}
	}
	u := c.endpoint(action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, provider.Wrap(Name, action, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = c.redactedEndpoint(action)
		}
		return nil, provider.Wrap(Name, action, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("upstream", "stage", action, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, provider.HTTPStatus(Name, action, c.redactedEndpoint(action), resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, provider.Wrap(Name, action, fmt.Errorf("读取响应失败：%w", err))
	}
	return b, nil
}
