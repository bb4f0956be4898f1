package parse

import (
	"regexp"
	"strings"
	"time"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

// 上游偶尔会在 ICS 文本中混入 PHP 警告之类的 HTML（<br />、<b>Warning</b> ...）。
var htmlTagRE = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// ParseICS 从 iCalendar 文本中提取每个 VEVENT 的 DTSTART（日期）与 SUMMARY。
//
// - SUMMARY 的 "Abfuhr:" 前缀会被去掉
// - \, \; \\ \n 转义被还原
// - fraction ID 由清洗后的名称经 domain.StableID 合成
// - 结果按日期升序；输入不是 ICS 时返回空 slice
func ParseICS(text string) []domain.Appointment {
	out := make([]domain.Appointment, 0, 32)

	text = htmlTagRE.ReplaceAllString(text, "")
	if i := strings.Index(text, "BEGIN:VCALENDAR"); i > 0 {
		text = text[i:]
	}
	if !strings.Contains(text, "BEGIN:VEVENT") {
		return out
	}

	var (
		inEvent bool
		date    string
		summary string
	)
	for _, line := range unfoldLines(text) {
		name, value, ok := splitContentLine(line)
		if !ok {
			continue
		}
		switch name {
		case "BEGIN":
			if strings.EqualFold(value, "VEVENT") {
				inEvent = true
				date, summary = "", ""
			}
		case "END":
			if !strings.EqualFold(value, "VEVENT") || !inEvent {
				continue
			}
			inEvent = false
			if date == "" || summary == "" {
				continue
			}
			out = append(out, domain.Appointment{
				Date:         date,
				FractionID:   domain.StableID(summary),
				FractionName: summary,
			})
		case "DTSTART":
			if inEvent {
				date = icsDate(value)
			}
		case "SUMMARY":
			if inEvent {
				summary = CleanFractionName(UnescapeText(value))
			}
		}
	}

	domain.SortAppointments(out)
	return out
}

// CleanFractionName 去掉 "Abfuhr:" 前缀并规范空白。
func CleanFractionName(s string) string {
	s = normSpace(s)
	if len(s) >= len("Abfuhr:") && strings.EqualFold(s[:len("Abfuhr:")], "Abfuhr:") {
		s = strings.TrimSpace(s[len("Abfuhr:"):])
	}
	return s
}

// UnescapeText 还原 RFC 5545 TEXT 转义（单次从左到右扫描，"\\," 得到 "\,"）。
func UnescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case ',':
			b.WriteByte(',')
		case ';':
			b.WriteByte(';')
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// unfoldLines 把 CRLF/LF 文本拆成内容行，并合并以空格/制表符开头的续行。
func unfoldLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	raw := strings.Split(text, "\n")

	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += l[1:]
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// splitContentLine 拆分 "NAME;PARAM=x:VALUE"，返回大写的 NAME 与 VALUE。
// 参数中双引号内的 ':' 不作为分隔符。
func splitContentLine(line string) (name, value string, ok bool) {
	inQuote := false
	colon := -1
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon <= 0 {
		return "", "", false
	}
	name = line[:colon]
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.ToUpper(strings.TrimSpace(name)), strings.TrimSpace(line[colon+1:]), true
}

// icsDate 接受 YYYYMMDD 以及 YYYYMMDDTHHMMSS[Z]（截断时间部分），返回 YYYY-MM-DD。
func icsDate(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return ""
	}
	t, err := time.Parse("20060102", v[:8])
	if err != nil {
		return ""
	}
	return t.Format(domain.DateLayout)
}
