package domain

import (
	"sort"
	"time"
)

// DateLayout 是 Appointment.Date 的唯一合法格式（只有日期，没有时间部分）。
const DateLayout = "2006-01-02"

// UnknownFractionName 用于无法从目录中解析出名称的 fraction。
const UnknownFractionName = "Unbekannt"

// Location 是一个城市/乡镇（上游称为 Ort / Kommune）。
//
// 约束：同一 provider 内按 name（大小写不敏感）唯一；ID 可能是上游 ID，也可能是 StableID(name)。
type Location struct {
	ID       int        `json:"id"`
	Name     string     `json:"name"`
	Provider ProviderID `json:"provider,omitempty"`
}

// Street 属于且只属于一个 Location。
type Street struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	LocationID   int           `json:"locationId,omitempty"`
	HouseNumbers []HouseNumber `json:"houseNumbers,omitempty"`
}

// HouseNumber 的上游 ID 可能是整数也可能是字符串，这里统一保存为字符串。
type HouseNumber struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	StreetID int    `json:"streetId,omitempty"`
}

// Fraction 是一种垃圾类别（Restmüll、Biotonne ...）。
type Fraction struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// Appointment 表示某个 fraction 在某一天的一次收运。
type Appointment struct {
	Date         string `json:"date"` // YYYY-MM-DD
	FractionID   int    `json:"fractionId"`
	FractionName string `json:"fractionName"`
}

// Time 把 Date 解析为 UTC 零点；格式不合法时 ok=false。
func (a Appointment) Time() (t time.Time, ok bool) {
	t, err := time.Parse(DateLayout, a.Date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CalendarResponse 是对调用方返回、并整体缓存的单元。
type CalendarResponse struct {
	Location     Location      `json:"location"`
	Street       Street        `json:"street"`
	HouseNumbers []HouseNumber `json:"houseNumbers"`
	Fractions    []Fraction    `json:"fractions"`
	Appointments []Appointment `json:"appointments"`
}

// SortAppointments 按日期升序排序；同一天按 fraction ID 排序（稳定）。
// Date 是 YYYY-MM-DD，字典序即日期序。
func SortAppointments(apps []Appointment) {
	sort.SliceStable(apps, func(i, j int) bool {
		if apps[i].Date != apps[j].Date {
			return apps[i].Date < apps[j].Date
		}
		return apps[i].FractionID < apps[j].FractionID
	})
}

// SortFractions 按 ID 升序排序。
func SortFractions(fs []Fraction) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
}

// FractionSet 返回 fractions 的 ID 集合。
func FractionSet(fs []Fraction) map[int]struct{} {
	m := make(map[int]struct{}, len(fs))
	for _, f := range fs {
		m[f.ID] = struct{}{}
	}
	return m
}
