package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/abfallkalender/internal/domain"
)

// abfall.io 的 HTML 组件是一串扁平的块：月份标题块与收运块交替出现，没有嵌套。
const (
	widgetMonthClass   = "awk-ui-widget-html-monat"
	widgetTerminClass  = "awk-ui-widget-html-termin"
	widgetDayClass     = "awk-ui-widget-html-termin-tag"
	widgetLabelClass   = "awk-ui-widget-html-termin-text"
	widgetColorPattern = `-farbe-(\d+)\b`
)

var (
	widgetColorRE = regexp.MustCompile(widgetColorPattern)
	dayRE         = regexp.MustCompile(`(\d{1,2})\s*\.`)
	bareDayRE     = regexp.MustCompile(`^(\d{1,2})\b`)
	yearRE        = regexp.MustCompile(`\b(\d{4})\b`)
)

var germanMonths = map[string]time.Month{
	"januar":    time.January,
	"jänner":    time.January,
	"februar":   time.February,
	"märz":      time.March,
	"maerz":     time.March,
	"marz":      time.March,
	"april":     time.April,
	"mai":       time.May,
	"juni":      time.June,
	"juli":      time.July,
	"august":    time.August,
	"september": time.September,
	"oktober":   time.October,
	"november":  time.November,
	"dezember":  time.December,
}

// ParseWidget 解析 abfall.io 的 HTML 组件为 Appointment 列表（按日期升序）。
//
// 收运块只带两位日期（"04."），年月来自它之前最近的月份标题块，因此必须按文档顺序
// 维护“当前年月”上下文。标题没有年份时沿用上一个上下文，月份倒退则年份 +1；
// 第一个标题之前使用 now 的年月。
func ParseWidget(html []byte, now time.Time) []domain.Appointment {
	return ParseWidgetPage(NewPage(html), now)
}

// ParseWidgetPage 与 ParseWidget 相同，但复用已经解析好的 Page。
func ParseWidgetPage(p *Page, now time.Time) []domain.Appointment {
	out := make([]domain.Appointment, 0, 64)

	year, month := now.Year(), now.Month()
	p.doc.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		switch {
		case s.HasClass(widgetMonthClass):
			m, y, ok := parseMonthHeader(s.Text())
			if !ok {
				return
			}
			if y == 0 {
				y = year
				if m < month {
					y++
				}
			}
			year, month = y, m
		case s.HasClass(widgetTerminClass):
			a, ok := parseTerminBlock(s, year, month)
			if ok {
				out = append(out, a)
			}
		}
	})

	domain.SortAppointments(out)
	return out
}

func parseMonthHeader(text string) (time.Month, int, bool) {
	var (
		month time.Month
		year  int
	)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,:;")
		if m, ok := germanMonths[f]; ok && month == 0 {
			month = m
			continue
		}
		if year == 0 && yearRE.MatchString(f) {
			year, _ = strconv.Atoi(yearRE.FindString(f))
		}
	}
	if month == 0 {
		return 0, 0, false
	}
	return month, year, true
}

func parseTerminBlock(s *goquery.Selection, year int, month time.Month) (domain.Appointment, bool) {
	dayText := normSpace(s.Find("." + widgetDayClass).First().Text())
	block := normSpace(s.Text())
	if dayText == "" {
		dayText = block
	}
	m := dayRE.FindStringSubmatch(dayText)
	if m == nil {
		// 兼容没有结尾 '.' 的写法。
		m = bareDayRE.FindStringSubmatch(dayText)
	}
	if m == nil {
		return domain.Appointment{}, false
	}
	day, _ := strconv.Atoi(m[1])
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if day < 1 || t.Month() != month {
		return domain.Appointment{}, false
	}

	label := normSpace(s.Find("." + widgetLabelClass).First().Text())
	if label == "" {
		label = strings.TrimSpace(strings.Replace(block, m[0], "", 1))
	}
	label = CleanFractionName(label)
	if label == "" {
		return domain.Appointment{}, false
	}

	id := domain.StableID(label)
	if html, err := goquery.OuterHtml(s); err == nil {
		if cm := widgetColorRE.FindStringSubmatch(html); cm != nil {
			if n, err := strconv.Atoi(cm[1]); err == nil {
				id = n
			}
		}
	}

	return domain.Appointment{
		Date:         t.Format(domain.DateLayout),
		FractionID:   id,
		FractionName: label,
	}, true
}
