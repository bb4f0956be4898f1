package regioit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/abfallkalender/internal/domain"
	"github.com/John-Robertt/abfallkalender/internal/provider"
)

// fakeAPI 按路径返回 testdata 中的 JSON；status 可覆盖某个路径的响应码。
type fakeAPI struct {
	t      *testing.T
	files  map[string]string
	status map[string]int

	mu   sync.Mutex
	hits map[string]int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	return &fakeAPI{
		t: t,
		files: map[string]string{
			"/orte":                      "orte.json",
			"/orte/2510/strassen":        "strassen_2510.json",
			"/fraktionen":                "fraktionen.json",
			"/strassen/7001/termine":     "termine_7001.json",
			"/hausnummern/90002/termine": "termine_hnr_90002.json",
		},
		status: map[string]int{},
		hits:   map[string]int{},
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	code, forced := f.status[r.URL.Path]
	f.mu.Unlock()

	if forced {
		w.WriteHeader(code)
		return
	}
	name, ok := f.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		f.t.Errorf("读取 fixture 失败：%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (f *fakeAPI) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI(t)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client()), api
}

func TestWasteCollectionData_WermelskirchenElbringhausen(t *testing.T) {
	c, _ := newTestClient(t)

	got, err := c.WasteCollectionData(context.Background(), "Wermelskirchen", "Elbringhausen", "")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got.Location.ID != 2510 || got.Location.Name != "Wermelskirchen" || got.Location.Provider != domain.ProviderRegioIT {
		t.Fatalf("location 不符合预期：%+v", got.Location)
	}
	if got.Street.ID != 7001 || got.Street.Name != "Elbringhausen" || got.Street.LocationID != 2510 {
		t.Fatalf("street 不符合预期：%+v", got.Street)
	}
	if got.HouseNumbers == nil || len(got.HouseNumbers) != 0 {
		t.Fatalf("期望空（非 nil）房号列表，实际 %#v", got.HouseNumbers)
	}
	if len(got.Appointments) != 6 {
		t.Fatalf("期望 6 条 appointment，实际 %d", len(got.Appointments))
	}

	fids := domain.FractionSet(got.Fractions)
	for i, a := range got.Appointments {
		if i > 0 && got.Appointments[i-1].Date > a.Date {
			t.Fatalf("appointments 未按日期排序：%v", got.Appointments)
		}
		if _, ok := fids[a.FractionID]; !ok {
			t.Fatalf("appointment 引用了不存在的 fraction：%+v", a)
		}
		if a.FractionName == "" {
			t.Fatalf("appointment 缺少 fractionName：%+v", a)
		}
	}
	if got.Appointments[0].Date != "2026-02-03" || got.Appointments[0].FractionName != "Restabfall" {
		t.Fatalf("第一条 appointment 不符合预期：%+v", got.Appointments[0])
	}
	// 同一天按 fraction ID 排序
	if got.Appointments[1].FractionID != 2 || got.Appointments[2].FractionID != 3 {
		t.Fatalf("同日排序不符合预期：%+v", got.Appointments[1:3])
	}

	// 只包含被引用的 fraction；42 不在目录中 => Unbekannt；9 未被引用 => 不出现
	wantIDs := []int{0, 1, 2, 3, 42}
	if len(got.Fractions) != len(wantIDs) {
		t.Fatalf("期望 fractions=%v，实际 %+v", wantIDs, got.Fractions)
	}
	for i, id := range wantIDs {
		if got.Fractions[i].ID != id {
			t.Fatalf("期望 fractions=%v，实际 %+v", wantIDs, got.Fractions)
		}
	}
	last := got.Appointments[len(got.Appointments)-1]
	if last.FractionID != 42 || last.FractionName != domain.UnknownFractionName {
		t.Fatalf("期望未知 fraction 名为 %q，实际 %+v", domain.UnknownFractionName, last)
	}
}

func TestFractions_NormalizeColorAndIcon(t *testing.T) {
	c, _ := newTestClient(t)

	fs, err := c.Fractions(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := map[int][2]string{
		0: {"#5A5A5A", "1"},
		1: {"#8B5A2B", "2"},
		2: {"#1E64C8", "3"},
		3: {"#F5C400", "4"},
	}
	for _, f := range fs {
		w, ok := want[f.ID]
		if !ok {
			continue
		}
		if f.Color != w[0] || f.Icon != w[1] {
			t.Fatalf("fraction %d：期望 color=%s icon=%s，实际 %+v", f.ID, w[0], w[1], f)
		}
	}
	for _, f := range fs {
		if f.ID == 9 && f.Color == "" {
			t.Fatalf("空 farbe 应按名称推断颜色，实际为空")
		}
	}
}

func TestStreets_HouseNumberAliases(t *testing.T) {
	c, _ := newTestClient(t)

	streets, err := c.Streets(context.Background(), 2510)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	byName := map[string]domain.Street{}
	for _, s := range streets {
		byName[s.Name] = s
	}

	cases := []struct {
		street string
		want   []domain.HouseNumber
	}{
		{"Am Bahnhof", []domain.HouseNumber{{ID: "90001", Name: "1", StreetID: 7002}, {ID: "90002", Name: "2a", StreetID: 7002}}},
		{"Telegrafenstraße", []domain.HouseNumber{{ID: "91001", Name: "12", StreetID: 7003}}},
		{"Eich", []domain.HouseNumber{{ID: "92001", Name: "5", StreetID: 7004}}},
		{"Elbringhausen", nil},
	}
	for _, tc := range cases {
		got := byName[tc.street].HouseNumbers
		if len(got) != len(tc.want) {
			t.Fatalf("%s：期望 %v，实际 %v", tc.street, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s：期望 %v，实际 %v", tc.street, tc.want, got)
			}
		}
	}
}

func TestWasteCollectionData_HouseNumber(t *testing.T) {
	c, api := newTestClient(t)

	got, err := c.WasteCollectionData(context.Background(), " wermelskirchen ", "AM BAHNHOF", "2A")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(got.HouseNumbers) != 1 || got.HouseNumbers[0].ID != "90002" {
		t.Fatalf("期望只返回选中的房号，实际 %v", got.HouseNumbers)
	}
	if len(got.Appointments) != 1 || got.Appointments[0].Date != "2026-01-20" {
		t.Fatalf("期望按房号取 termine 且日期截断为 YYYY-MM-DD，实际 %v", got.Appointments)
	}
	if api.hitCount("/hausnummern/90002/termine") != 1 {
		t.Fatalf("期望调用 hausnummern termine 1 次")
	}

	_, err = c.WasteCollectionData(context.Background(), "Wermelskirchen", "Am Bahnhof", "99")
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("未知房号期望 ErrNotFound，实际 %v", err)
	}
}

func TestWasteCollectionData_NotFound(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.WasteCollectionData(context.Background(), "Atlantis", "Elbringhausen", "")
	if !errors.Is(err, provider.ErrNotFound) || provider.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("未知 Ort 期望 404，实际 %v", err)
	}
	_, err = c.WasteCollectionData(context.Background(), "Wermelskirchen", "Nirgendwo", "")
	if provider.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("未知 Straße 期望 404，实际 %v", err)
	}
}

func TestUpstreamStatusPropagates(t *testing.T) {
	c, api := newTestClient(t)
	api.status["/fraktionen"] = http.StatusBadGateway

	_, err := c.WasteCollectionData(context.Background(), "Wermelskirchen", "Elbringhausen", "")
	var ae *provider.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("期望 *provider.APIError，实际 %T %v", err, err)
	}
	if ae.Status != http.StatusBadGateway || ae.Stage != "fraktionen" {
		t.Fatalf("期望 stage=fraktionen status=502，实际 %+v", ae)
	}
}

func TestInvalidJSONIs500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>wartung</html>"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, srv.Client()).Locations(context.Background())
	if provider.StatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("非 JSON 响应期望 500，实际 %v", err)
	}
}

func TestCatalogIsCached(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	api := newFakeAPI(t)
	srv := httptest.NewServer(api)
	defer srv.Close()
	c := New(srv.URL, srv.Client(), WithCatalogTTL(time.Hour), WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if _, err := c.WasteCollectionData(context.Background(), "Wermelskirchen", "Elbringhausen", ""); err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	}
	if n := api.hitCount("/orte"); n != 1 {
		t.Fatalf("期望 /orte 只请求 1 次，实际 %d", n)
	}
	if n := api.hitCount("/strassen/7001/termine"); n != 3 {
		t.Fatalf("termine 不缓存，期望请求 3 次，实际 %d", n)
	}

	now = now.Add(2 * time.Hour)
	if _, err := c.Locations(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if n := api.hitCount("/orte"); n != 2 {
		t.Fatalf("过期后期望重新请求 /orte，实际 %d 次", n)
	}
}
