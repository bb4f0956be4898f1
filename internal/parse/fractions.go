package parse

import (
	"strings"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

// FractionsFromAppointments 返回 appointments 中出现过的 fraction（按 ID 去重，首个名称胜出）。
func FractionsFromAppointments(apps []domain.Appointment) []domain.Fraction {
	seen := make(map[int]struct{}, 8)
	out := make([]domain.Fraction, 0, 8)
	for _, a := range apps {
		if _, ok := seen[a.FractionID]; ok {
			continue
		}
		seen[a.FractionID] = struct{}{}
		out = append(out, domain.Fraction{ID: a.FractionID, Name: a.FractionName})
	}
	return out
}

// 按顺序匹配，先命中先生效。
var colorRules = []struct {
	keys  []string
	color string
}{
	{[]string{"rest"}, "#5A5A5A"},
	{[]string{"bio"}, "#8B5A2B"},
	{[]string{"papier", "pappe"}, "#1E64C8"},
	{[]string{"gelb", "wertstoff", "verpackung", "leichtverp"}, "#F5C400"},
	{[]string{"glas"}, "#2E8B57"},
	{[]string{"schadstoff", "problem", "sonder"}, "#C8281E"},
	{[]string{"sperr"}, "#E67E22"},
	{[]string{"grün", "gruen", "garten", "baum", "laub"}, "#3C7A1E"},
	{[]string{"elektro", "schrott", "metall"}, "#7F8C8D"},
}

// DefaultFractionColor 是无法按名称推断时使用的颜色。
const DefaultFractionColor = "#6C7A89"

// GuessColor 按 fraction 名称推断显示颜色（#RRGGBB）。
func GuessColor(name string) string {
	n := strings.ToLower(name)
	for _, r := range colorRules {
		for _, k := range r.keys {
			if strings.Contains(n, k) {
				return r.color
			}
		}
	}
	return DefaultFractionColor
}

// NormalizeHexColor 把上游的裸 hex（"00ff00"、"#0F0"）规范化为 "#RRGGBB"；不合法时返回空串。
func NormalizeHexColor(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return ""
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return ""
		}
	}
	return "#" + strings.ToUpper(s)
}
