package domain

import "strings"

// ProviderID 标识为某个 Location 提供数据的上游。
type ProviderID string

const (
	// ProviderRegioIT 是结构化 REST API（AbfallNavi），也是默认/兜底 provider。
	ProviderRegioIT ProviderID = "regioit"
	// ProviderAbfallIO 是需要模拟多步表单的抓取型 provider。
	ProviderAbfallIO ProviderID = "abfallio"
)

// ParseProviderID 解析 provider 名称（大小写/空白不敏感）。
func ParseProviderID(s string) (ProviderID, bool) {
	switch ProviderID(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderRegioIT:
		return ProviderRegioIT, true
	case ProviderAbfallIO:
		return ProviderAbfallIO, true
	default:
		return "", false
	}
}
