package abfallio

import (
	"maps"
	"net/url"
	"time"
)

// 表单向导的已知字段名。其余 hidden 字段都视为会话令牌。
const (
	FieldKommune    = "f_id_kommune"
	FieldBezirk     = "f_id_bezirk"
	FieldStrasse    = "f_id_strasse"
	FieldHausnummer = "f_id_strasse_hnr"
)

var wizardFields = map[string]struct{}{
	FieldKommune:    {},
	FieldBezirk:     {},
	FieldStrasse:    {},
	FieldHausnummer: {},
}

// IsWizardField 报告 name 是否为向导选择字段（而不是令牌）。
func IsWizardField(name string) bool {
	_, ok := wizardFields[name]
	return ok
}

// Session 是向导的会话状态：令牌字段（每次请求原样回传）+ 创建时间。
//
// Session 是不可变值：Merge 返回新值，调用方显式地把它传给下一步。
type Session struct {
	Token     map[string]string
	CreatedAt time.Time
}

func newSession(fields map[string]string, now time.Time) Session {
	tok := make(map[string]string, len(fields))
	for k, v := range fields {
		if IsWizardField(k) {
			continue
		}
		tok[k] = v
	}
	return Session{Token: tok, CreatedAt: now}
}

// Merge 返回合并了 fields 中令牌字段（新增或变化）的新 Session；s 本身不变。
func (s Session) Merge(fields map[string]string) Session {
	tok := maps.Clone(s.Token)
	if tok == nil {
		tok = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		if IsWizardField(k) {
			continue
		}
		tok[k] = v
	}
	return Session{Token: tok, CreatedAt: s.CreatedAt}
}

// form 以令牌为基础构造表单，再叠加 selection。
func (s Session) form(selection map[string]string) url.Values {
	v := make(url.Values, len(s.Token)+len(selection))
	for k, val := range s.Token {
		v.Set(k, val)
	}
	for k, val := range selection {
		v.Set(k, val)
	}
	return v
}
