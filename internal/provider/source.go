package provider

import (
	"context"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

// StructuredSource 是结构化 REST provider（RegioIT）的能力集合。
//
// 约束：名称匹配失败返回 404 的 *APIError；上游失败返回带状态码的 *APIError。
type StructuredSource interface {
	Locations(ctx context.Context) ([]domain.Location, error)
	LocationByName(ctx context.Context, name string) (domain.Location, error)
	Streets(ctx context.Context, locationID int) ([]domain.Street, error)
	StreetByName(ctx context.Context, locationID int, name string) (domain.Street, error)
	WasteCollectionData(ctx context.Context, location, street, houseNumber string) (domain.CalendarResponse, error)
}

// Target 定位抓取型 provider 上的一条 Straße。
// KommuneID 为空时按 LocationName 在线查找；BezirkID 可选。
type Target struct {
	LocationName string
	KommuneID    string
	BezirkID     string
	StreetName   string
	HouseNumber  string
}

// ScrapingSource 是表单抓取型 provider（abfall.io）的能力集合。
// 它的 ID 是上游表单里的 option value，不是数字。
type ScrapingSource interface {
	Locations(ctx context.Context) ([]domain.Location, error)
	KommuneIDByName(ctx context.Context, name string) (string, error)
	Streets(ctx context.Context, kommuneID string) ([]domain.Street, error)
	StreetsWithBezirk(ctx context.Context, kommuneID, bezirkID string) ([]domain.Street, error)
	HouseNumbers(ctx context.Context, kommuneID, bezirkID, street string) ([]domain.HouseNumber, error)
	WasteCollectionData(ctx context.Context, t Target) (domain.CalendarResponse, error)
}
