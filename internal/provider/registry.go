package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

// Region 是静态配置的“城市 → provider”映射，以及抓取型 provider 需要的上游 ID。
type Region struct {
	Name      string            `yaml:"name"`
	Provider  domain.ProviderID `yaml:"provider"`
	KommuneID string            `yaml:"kommune_id"`
	BezirkID  string            `yaml:"bezirk_id"`
}

// DefaultRegions 是内置的区域表。
func DefaultRegions() []Region {
	return []Region{{Name: "Lilienthal", Provider: domain.ProviderAbfallIO}}
}

// Registry 按城市名把请求分派给对应的 provider。
//
// 查找顺序：静态区域表 → AllLocations 动态登记的名称 → 默认 regioit。
type Registry struct {
	structured StructuredSource
	scraping   ScrapingSource
	logger     *slog.Logger

	static map[string]Region

	mu      sync.RWMutex
	dynamic map[string]domain.ProviderID
}

func NewRegistry(structured StructuredSource, scraping ScrapingSource, regions []Region, logger *slog.Logger) (*Registry, error) {
	if structured == nil {
		return nil, fmt.Errorf("structured source 不能为空")
	}
	if logger == nil {
		logger = slog.Default()
	}
	static := make(map[string]Region, len(regions))
	for _, r := range regions {
		key := domain.NormalizeName(r.Name)
		if key == "" {
			return nil, fmt.Errorf("region.name 不能为空")
		}
		p, ok := domain.ParseProviderID(string(r.Provider))
		if !ok {
			return nil, fmt.Errorf("region %q：未知 provider %q", r.Name, r.Provider)
		}
		if p == domain.ProviderAbfallIO && scraping == nil {
			return nil, fmt.Errorf("region %q 需要 abfallio，但未配置抓取型 provider", r.Name)
		}
		if _, dup := static[key]; dup {
			return nil, fmt.Errorf("重复的 region：%q", r.Name)
		}
		r.Name = strings.TrimSpace(r.Name)
		r.Provider = p
		r.KommuneID = strings.TrimSpace(r.KommuneID)
		r.BezirkID = strings.TrimSpace(r.BezirkID)
		static[key] = r
	}
	return &Registry{
		structured: structured,
		scraping:   scraping,
		logger:     logger,
		static:     static,
		dynamic:    make(map[string]domain.ProviderID),
	}, nil
}

// ResolveProvider 返回负责 location 的 provider；未知名称一律落到 regioit。
func (r *Registry) ResolveProvider(location string) domain.ProviderID {
	key := domain.NormalizeName(location)
	if reg, ok := r.static[key]; ok {
		return reg.Provider
	}
	r.mu.RLock()
	p, ok := r.dynamic[key]
	r.mu.RUnlock()
	if ok {
		return p
	}
	return domain.ProviderRegioIT
}

// Register 记录 locations 属于 p。静态区域表中的名称不会被覆盖。
func (r *Registry) Register(p domain.ProviderID, locations []domain.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range locations {
		key := domain.NormalizeName(l.Name)
		if key == "" {
			continue
		}
		if _, ok := r.static[key]; ok {
			continue
		}
		r.dynamic[key] = p
	}
}

type locationSource struct {
	id  domain.ProviderID
	get func(context.Context) ([]domain.Location, error)
}

// AllLocations 并发拉取所有 provider 的 Orte，合并后按名称排序。
// 单个 provider 失败只记日志并跳过；全部失败才返回错误。
func (r *Registry) AllLocations(ctx context.Context) ([]domain.Location, error) {
	type result struct {
		provider domain.ProviderID
		locs     []domain.Location
		err      error
	}
	sources := []locationSource{{domain.ProviderRegioIT, r.structured.Locations}}
	if r.scraping != nil {
		sources = append(sources, locationSource{domain.ProviderAbfallIO, r.scraping.Locations})
	}

	results := make([]result, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			locs, err := src.get(ctx)
			results[i] = result{provider: src.id, locs: locs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var (
		out  []domain.Location
		errs []error
	)
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) {
				return nil, res.err
			}
			r.logger.Warn("location 源失败，已跳过", "provider", res.provider, "err", res.err)
			errs = append(errs, res.err)
			continue
		}
		tagged := make([]domain.Location, 0, len(res.locs))
		for _, l := range res.locs {
			l.Provider = res.provider
			tagged = append(tagged, l)
		}
		r.Register(res.provider, tagged)
		out = append(out, tagged...)
	}
	if len(errs) == len(results) {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return domain.NormalizeName(out[i].Name) < domain.NormalizeName(out[j].Name)
	})
	return out, nil
}

// target 为抓取型 provider 确定 Kommune/Bezirk：静态区域表优先，否则在线按名称查找。
func (r *Registry) target(ctx context.Context, location string) (Target, error) {
	t := Target{LocationName: strings.TrimSpace(location)}
	if reg, ok := r.static[domain.NormalizeName(location)]; ok {
		t.LocationName = reg.Name
		t.KommuneID = reg.KommuneID
		t.BezirkID = reg.BezirkID
	}
	if t.KommuneID == "" {
		id, err := r.scraping.KommuneIDByName(ctx, t.LocationName)
		if err != nil {
			return Target{}, err
		}
		t.KommuneID = id
	}
	return t, nil
}

// Streets 返回 location 的全部 Straßen。
func (r *Registry) Streets(ctx context.Context, location string) ([]domain.Street, error) {
	switch r.ResolveProvider(location) {
	case domain.ProviderAbfallIO:
		t, err := r.target(ctx, location)
		if err != nil {
			return nil, err
		}
		if t.BezirkID != "" {
			return r.scraping.StreetsWithBezirk(ctx, t.KommuneID, t.BezirkID)
		}
		return r.scraping.Streets(ctx, t.KommuneID)
	default:
		loc, err := r.structured.LocationByName(ctx, location)
		if err != nil {
			return nil, err
		}
		return r.structured.Streets(ctx, loc.ID)
	}
}

// HouseNumbers 返回 location/street 的房号；没有房号时返回空列表。
func (r *Registry) HouseNumbers(ctx context.Context, location, street string) ([]domain.HouseNumber, error) {
	switch r.ResolveProvider(location) {
	case domain.ProviderAbfallIO:
		t, err := r.target(ctx, location)
		if err != nil {
			return nil, err
		}
		return r.scraping.HouseNumbers(ctx, t.KommuneID, t.BezirkID, street)
	default:
		loc, err := r.structured.LocationByName(ctx, location)
		if err != nil {
			return nil, err
		}
		st, err := r.structured.StreetByName(ctx, loc.ID, street)
		if err != nil {
			return nil, err
		}
		if st.HouseNumbers == nil {
			return []domain.HouseNumber{}, nil
		}
		return st.HouseNumbers, nil
	}
}

// WasteCollectionData 在调用开始时确定一次 provider，然后委托。错误原样向上传递。
func (r *Registry) WasteCollectionData(ctx context.Context, q domain.Query) (domain.CalendarResponse, error) {
	p := r.ResolveProvider(q.Location)
	r.logger.Debug("resolve provider", "location", q.Location, "provider", p)
	switch p {
	case domain.ProviderAbfallIO:
		t, err := r.target(ctx, q.Location)
		if err != nil {
			return domain.CalendarResponse{}, err
		}
		t.StreetName = q.Street
		t.HouseNumber = q.HouseNumber
		return r.scraping.WasteCollectionData(ctx, t)
	default:
		return r.structured.WasteCollectionData(ctx, q.Location, q.Street, q.HouseNumber)
	}
}
