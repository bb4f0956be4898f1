// Package parse 把上游返回的原始文本（HTML 片段、隐藏字段、iCalendar）解析为类型化记录。
//
// 约束：这里的函数全部是纯函数，不做 I/O；输入不合法时返回空结果而不是错误。
package parse

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Option 是 <select> 中的一个可选项。
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Page 是解析一次、可多次查询的 HTML 文档。
// abfall.io 每一步的响应都要同时读取隐藏字段与若干 select，用 Page 避免重复解析。
type Page struct {
	doc *goquery.Document
}

// NewPage 解析 html；解析失败时返回一个空文档（所有查询都返回空结果）。
func NewPage(html []byte) *Page {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}
	return &Page{doc: doc}
}

// HiddenFields 返回所有 <input type="hidden"> 的 name→value。
// 属性顺序与大小写无关；非 hidden 的 input 与没有 name 的 input 被忽略；同名时后者覆盖前者。
func (p *Page) HiddenFields() map[string]string {
	out := make(map[string]string)
	p.doc.Find("input").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("type", "")), "hidden") {
			return
		}
		name := strings.TrimSpace(s.AttrOr("name", ""))
		if name == "" {
			return
		}
		out[name] = s.AttrOr("value", "")
	})
	return out
}

// SelectOptions 返回 <select name="name"> 的全部选项，跳过 value 为空的占位项。
// 没有 value 属性的 option 按 HTML 语义以其文本作为 value。
func (p *Page) SelectOptions(name string) []Option {
	out := make([]Option, 0, 16)
	p.findSelect(name).First().Find("option").Each(func(_ int, s *goquery.Selection) {
		label := normSpace(s.Text())
		value, ok := s.Attr("value")
		if !ok {
			value = label
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		out = append(out, Option{Value: value, Label: label})
	})
	return out
}

// HasSelect 报告文档中是否存在 <select name="name">。
func (p *Page) HasSelect(name string) bool {
	return p.findSelect(name).Length() > 0
}

// HasField 报告文档中是否存在 name 对应的 <select> 或 <input>。
func (p *Page) HasField(name string) bool {
	if p.HasSelect(name) {
		return true
	}
	return p.doc.Find("input").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.AttrOr("name", "")) == name
	}).Length() > 0
}

func (p *Page) findSelect(name string) *goquery.Selection {
	return p.doc.Find("select").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.AttrOr("name", "")) == name
	})
}

// HiddenFields 是 NewPage(html).HiddenFields() 的便捷形式。
func HiddenFields(html []byte) map[string]string {
	return NewPage(html).HiddenFields()
}

// SelectOptions 是 NewPage(html).SelectOptions(name) 的便捷形式。
func SelectOptions(html []byte, name string) []Option {
	return NewPage(html).SelectOptions(name)
}

// HasField 是 NewPage(html).HasField(name) 的便捷形式。
func HasField(html []byte, name string) bool {
	return NewPage(html).HasField(name)
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
