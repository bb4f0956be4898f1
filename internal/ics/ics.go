// Package ics 把 CalendarResponse 导出为 RFC 5545 iCalendar 文本。
package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

const (
	ProductID = "-//abfallkalender//Abfallkalender//DE"
	Timezone  = "Europe/Berlin"

	// MinReminder 是 VALARM 能表达的最小提前量（TRIGGER 以分钟为单位）。
	MinReminder = time.Minute

	maxLineOctets = 75
	uidDomain     = "abfallkalender"
)

// Filter 限定导出的 appointment。零值表示全部导出。
type Filter struct {
	// Fractions 非空时只导出其中为 true 的 fraction ID。
	Fractions map[int]bool
	// From/To 为 YYYY-MM-DD，闭区间；空字符串表示不限。
	From string
	To   string
}

// Match 报告 a 是否通过过滤。
func (f Filter) Match(a domain.Appointment) bool {
	if len(f.Fractions) > 0 && !f.Fractions[a.FractionID] {
		return false
	}
	if f.From != "" && a.Date < f.From {
		return false
	}
	if f.To != "" && a.Date > f.To {
		return false
	}
	return true
}

type Options struct {
	Filter Filter
	// CalendarID 用于 UID；为空时由 Location/Street 推导。
	CalendarID string
	// Reminder >= MinReminder 时为每个事件添加提前提醒（VALARM），按分钟取整；更短的值忽略。
	Reminder time.Duration
	// Now 用于 DTSTAMP；零值时取当前时间。
	Now time.Time
}

// CalendarID 返回地址的稳定标识（同一地址多次导出 UID 不变）。
func CalendarID(q domain.Query) string {
	return fmt.Sprintf("abfall-%08x", domain.StableID(q.Key()))
}

// Build 生成 iCalendar 文本：CRLF 换行，内容行按 75 个八位组折行（不拆分 UTF-8 字符）。
// 每个 appointment 是一个全天事件（DTEND = DTSTART + 1 天）。
func Build(cal domain.CalendarResponse, opts Options) []byte {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	calID := opts.CalendarID
	if calID == "" {
		calID = CalendarID(domain.Query{Location: cal.Location.Name, Street: cal.Street.Name})
	}

	w := &writer{}
	w.line("BEGIN:VCALENDAR")
	w.line("VERSION:2.0")
	w.line("PRODID:" + ProductID)
	w.line("CALSCALE:GREGORIAN")
	w.line("METHOD:PUBLISH")
	w.line("X-WR-CALNAME:" + EscapeText(calendarName(cal)))
	w.line("X-WR-TIMEZONE:" + Timezone)
	if desc := calendarDescription(cal); desc != "" {
		w.line("DESCRIPTION:" + EscapeText(desc))
	}

	stamp := now.UTC().Format("20060102T150405Z")
	for _, a := range cal.Appointments {
		if !opts.Filter.Match(a) {
			continue
		}
		day, ok := a.Time()
		if !ok {
			continue
		}
		start := day.Format("20060102")
		name := a.FractionName
		if strings.TrimSpace(name) == "" {
			name = domain.UnknownFractionName
		}

		w.line("BEGIN:VEVENT")
		w.line(fmt.Sprintf("UID:%s-%s-%d@%s", calID, start, a.FractionID, uidDomain))
		w.line("DTSTAMP:" + stamp)
		w.line("DTSTART;VALUE=DATE:" + start)
		w.line("DTEND;VALUE=DATE:" + day.AddDate(0, 0, 1).Format("20060102"))
		w.line("SUMMARY:" + EscapeText("Abfuhr: "+name))
		if loc := eventLocation(cal); loc != "" {
			w.line("LOCATION:" + EscapeText(loc))
		}
		w.line("TRANSP:TRANSPARENT")
		if opts.Reminder >= MinReminder {
			w.line("BEGIN:VALARM")
			w.line("ACTION:DISPLAY")
			w.line("DESCRIPTION:" + EscapeText("Abfuhr: "+name))
			w.line("TRIGGER:" + trigger(opts.Reminder))
			w.line("END:VALARM")
		}
		w.line("END:VEVENT")
	}
	w.line("END:VCALENDAR")
	return w.buf.Bytes()
}

func calendarName(cal domain.CalendarResponse) string {
	if s := eventLocation(cal); s != "" {
		return "Abfallkalender " + s
	}
	return "Abfallkalender"
}

func calendarDescription(cal domain.CalendarResponse) string {
	street := strings.TrimSpace(cal.Street.Name)
	loc := strings.TrimSpace(cal.Location.Name)
	switch {
	case street != "" && loc != "":
		return "Abfuhrtermine für " + street + " in " + loc
	case loc != "":
		return "Abfuhrtermine in " + loc
	default:
		return ""
	}
}

func eventLocation(cal domain.CalendarResponse) string {
	street := strings.TrimSpace(cal.Street.Name)
	loc := strings.TrimSpace(cal.Location.Name)
	if len(cal.HouseNumbers) == 1 && street != "" {
		street += " " + strings.TrimSpace(cal.HouseNumbers[0].Name)
	}
	switch {
	case street != "" && loc != "":
		return street + ", " + loc
	default:
		return loc
	}
}

// trigger 把提前量格式化为负的 ISO 8601 时长（-PT12H / -PT30M）。
func trigger(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("-PT%dH", int(d/time.Hour))
	}
	return fmt.Sprintf("-PT%dM", int(d/time.Minute))
}

// EscapeText 转义 TEXT 值中的 \ ; , 与换行。
func EscapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case ',':
			b.WriteString(`\,`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type writer struct {
	buf bytes.Buffer
}

// line 写入一行内容并折行：首行最多 75 个八位组，续行以空格开头、内容最多 74 个八位组。
func (w *writer) line(s string) {
	limit := maxLineOctets
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		w.buf.WriteString(s[:cut])
		w.buf.WriteString("\r\n ")
		s = s[cut:]
		limit = maxLineOctets - 1
	}
	w.buf.WriteString(s)
	w.buf.WriteString("\r\n")
}
