package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound 用于 errors.Is 判断“上游请求成功，但名称没有匹配项”。
var ErrNotFound = errors.New("not found")

// APIError 是两个 provider 共用的类型化错误。
//
// 约定：
// - 上游返回非 2xx：Status = 上游 HTTP 状态码
// - 名称未匹配（上游请求成功）：Status = 404
// - 网络失败/解码失败等非 HTTP 错误：Status = 500
type APIError struct {
	Provider string // provider name（小写）
	Stage    string // 例如 "orte" / "init" / "auswahl_strasse_set"
	Status   int
	URL      string
	Msg      string
	Err      error
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	var b strings.Builder
	if e.Provider != "" {
		fmt.Fprintf(&b, "provider=%s ", e.Provider)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, "stage=%s ", e.Stage)
	}
	fmt.Fprintf(&b, "status=%d", e.Status)
	if msg := strings.TrimSpace(e.Msg); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// Is 让任意 404 的 APIError 都能匹配 ErrNotFound。
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e != nil && e.Status == http.StatusNotFound
}

// NotFound 构造 404 错误（名称在上游结果中不存在）。
func NotFound(provider, format string, args ...any) *APIError {
	return &APIError{
		Provider: provider,
		Status:   http.StatusNotFound,
		Msg:      fmt.Sprintf(format, args...),
	}
}

// HTTPStatus 构造“上游返回非 2xx”的错误。
func HTTPStatus(provider, stage, url string, status int) *APIError {
	return &APIError{
		Provider: provider,
		Stage:    stage,
		Status:   status,
		URL:      url,
		Msg:      fmt.Sprintf("上游返回 HTTP %d", status),
	}
}

// Wrap 把未知错误包装为 status=500 的 APIError；已经是 APIError 的原样返回。
// ctx 取消/超时不包装，保持 errors.Is(err, context.Canceled) 语义。
func Wrap(provider, stage string, err error) error {
	if err == nil {
		return nil
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &APIError{
		Provider: provider,
		Stage:    stage,
		Status:   http.StatusInternalServerError,
		Err:      err,
	}
}

// StatusOf 返回错误链中第一个 APIError 的状态码；没有时返回 500。
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// IsNotFound 等价于 errors.Is(err, ErrNotFound)。
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
