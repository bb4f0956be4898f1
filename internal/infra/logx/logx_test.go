package logx

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestMaskingHandler_MasksKeyAndSecrets(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug, "geheim123")

	l.With("url", "https://api.abfall.io/?key=geheim123&modus=m&waction=init").
		Info("upstream geheim123",
			"err", errors.New(`Post "https://api.abfall.io/?key=other456&waction=init": timeout`),
			slog.Group("req", "token", "geheim123"),
		)

	out := buf.String()
	if strings.Contains(out, "geheim123") || strings.Contains(out, "other456") {
		t.Fatalf("日志中仍包含敏感值：%s", out)
	}
	if !strings.Contains(out, "key=***") {
		t.Fatalf("期望 key 参数被脱敏：%s", out)
	}
	if !strings.Contains(out, "modus=m") {
		t.Fatalf("非敏感参数不应被修改：%s", out)
	}
}

func TestMaskingHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelWarn)
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("低于级别的日志不应输出：%s", buf.String())
	}
}
