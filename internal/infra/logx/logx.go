// Package logx 构造带脱敏的 slog.Logger：abfall.io 的组件 key 会出现在 URL 与错误信息里，不能原样写入日志。
package logx

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

const mask = "***"

var keyParamRE = regexp.MustCompile(`([?&]key=)[^&\s"]+`)

// MaskingHandler 在写出前替换消息与属性中的敏感值。
type MaskingHandler struct {
	handler slog.Handler
	secrets []string
}

// NewMaskingHandler 包装 h；secrets 中的每个非空字符串都会被替换为 ***。
func NewMaskingHandler(h slog.Handler, secrets ...string) *MaskingHandler {
	var ss []string
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			ss = append(ss, s)
		}
	}
	return &MaskingHandler{handler: h, secrets: ss}
}

func (h *MaskingHandler) mask(s string) string {
	s = keyParamRE.ReplaceAllString(s, "${1}"+mask)
	for _, sec := range h.secrets {
		s = strings.ReplaceAll(s, sec, mask)
	}
	return s
}

func (h *MaskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *MaskingHandler) Handle(ctx context.Context, record slog.Record) error {
	// Clone 不复制属性，需要逐个加回。
	r := slog.NewRecord(record.Time, record.Level, h.mask(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		r.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.handler.Handle(ctx, r)
}

func (h *MaskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.maskAttr(a)
	}
	return &MaskingHandler{handler: h.handler.WithAttrs(masked), secrets: h.secrets}
}

func (h *MaskingHandler) WithGroup(name string) slog.Handler {
	return &MaskingHandler{handler: h.handler.WithGroup(name), secrets: h.secrets}
}

func (h *MaskingHandler) maskAttr(a slog.Attr) slog.Attr {
	return slog.Attr{Key: a.Key, Value: h.maskValue(a.Value)}
}

func (h *MaskingHandler) maskValue(v slog.Value) slog.Value {
	switch v.Kind() {
	case slog.KindString:
		return slog.StringValue(h.mask(v.String()))
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.StringValue(h.mask(err.Error()))
		}
		return v
	case slog.KindGroup:
		group := v.Group()
		out := make([]slog.Attr, len(group))
		for i, a := range group {
			out[i] = h.maskAttr(a)
		}
		return slog.GroupValue(out...)
	default:
		return v
	}
}

// New 返回写入 w 的文本 logger（带脱敏）。
func New(w io.Writer, level slog.Level, secrets ...string) *slog.Logger {
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewMaskingHandler(base, secrets...))
}
