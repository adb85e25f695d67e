// Package caption 处理模型回答里的 JSON 文本：模型输出常带 markdown 围栏或尾随逗号。
package caption

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoObject 表示文本里找不到 {...} 对象。
var ErrNoObject = errors.New("文本中没有 JSON 对象")

// Sanitize 把模型回答整理成尽量可解析的 JSON 文本：
//   - 去掉 ```json ... ``` 围栏
//   - 截取最外层的 {...}
//   - 删除 } 或 ] 之前的尾随逗号（字符串字面量内的内容不动）
//
// 找不到对象时原样（去首尾空白）返回，由 ParseObject 报错。
func Sanitize(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	s = stripFence(s)

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	s = s[start : end+1]
	return dropTrailingCommas(s)
}

// dropTrailingCommas 删除紧跟（可隔空白）} 或 ] 的逗号及其后的空白，跳过字符串字面量。
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				i = j - 1
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// 去掉首行（``` 或 ```json），以及末尾的 ```。
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseObject 解析 Sanitize 之后的文本，要求顶层是 JSON 对象。
func ParseObject(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, ErrNoObject
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("caption JSON 解析失败：%w", err)
	}
	if obj == nil {
		return nil, ErrNoObject
	}
	return obj, nil
}
