package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrEmptyResponse 表示服务返回 2xx 但没有可用的回答文本。
var ErrEmptyResponse = errors.New("服务返回空回答")

// StatusError 表示服务返回了非 2xx 的 HTTP 状态码。
// Message 来自 JSON 错误体的 error.message，或 HTML 错误页的标题/正文摘要。
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	s := fmt.Sprintf("HTTP %d", e.StatusCode)
	if e.Code != "" {
		s += " code=" + e.Code
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		s += ": " + msg
	}
	return s
}

// Temporary 报告该状态是否值得重试（限流与服务端错误）。
func (e *StatusError) Temporary() bool {
	return e != nil && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500)
}

// IsRetryable 判断一次失败的调用是否可以重放：
// 传输层错误与 429/5xx 可以；4xx、空回答、ctx 取消不可以。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

const maxMessageRunes = 200

type apiErrorBody struct {
	Error struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
		Type    string          `json:"type"`
	} `json:"error"`
}

func newStatusError(status int, contentType string, body []byte) *StatusError {
	e := &StatusError{StatusCode: status}

	var ab apiErrorBody
	if json.Unmarshal(body, &ab) == nil && (ab.Error.Message != "" || len(ab.Error.Code) > 0) {
		e.Message = truncate(ab.Error.Message)
		e.Code = strings.Trim(string(ab.Error.Code), `"`)
		if e.Code == "" || e.Code == "null" {
			e.Code = ab.Error.Type
		}
		return e
	}

	if strings.Contains(strings.ToLower(contentType), "html") || looksLikeHTML(body) {
		e.Message = summarizeHTML(body)
		return e
	}
	e.Message = truncate(normSpace(string(body)))
	return e
}

// summarizeHTML 从网关错误页（nginx 502/504 之类）提取一行可读摘要：优先 <title>，否则 body 文本。
func summarizeHTML(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if title := normSpace(doc.Find("title").First().Text()); title != "" {
		return truncate(title)
	}
	if h := normSpace(doc.Find("h1").First().Text()); h != "" {
		return truncate(h)
	}
	return truncate(normSpace(doc.Find("body").Text()))
}

func looksLikeHTML(b []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(b))
	if len(head) > 64 {
		head = head[:64]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func normSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageRunes {
		return s
	}
	return string(r[:maxMessageRunes]) + "…"
}
