// Package vlm 是 OpenAI 兼容 chat-completions 接口的最小客户端。
//
// 只覆盖批处理需要的一条路径：单轮 user 消息（文本 + 可选图片）→ choices[0].message.content。
package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// 响应体读取上限：正常回答是几 KB 的 JSON 文本，网关错误页也不会更大。
const maxBodyBytes = 8 << 20

// Request 是一次模型调用的输入。
type Request struct {
	Model  string
	Prompt string
	// ImageDataURL 为空时只发送文本。
	ImageDataURL string
}

// Completer 抽象“发一次请求拿回文本”，批处理与测试都只依赖它。
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client 通过 HTTP 调用 {BaseURL}/chat/completions。
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New 校验参数并构造 Client；hc 为 nil 时使用 http.DefaultClient。
func New(baseURL, apiKey string, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base_url 不能为空")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base_url 无效：%w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base_url 必须是 http(s) 绝对地址：%q", baseURL)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("api_key 不能为空")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: hc}, nil
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("model 不能为空")
	}

	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	if req.ImageDataURL != "" {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: req.ImageDataURL}})
	}
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: []message{{Role: "user", Content: parts}},
	})
	if err != nil {
		return "", err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(hreq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newStatusError(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("响应不是合法 JSON：%w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}
