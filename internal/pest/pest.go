package pest

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultClasses 是数据集的固定类别表（下标 = 类别序号 - 1）。
var DefaultClasses = []string{
	"草地贪夜蛾",
	"黏虫",
	"棉铃虫",
	"玉米螟",
	"双斑萤叶甲",
	"蚜虫",
	"麦圆蜘蛛",
	"吸浆虫",
}

const (
	// DefaultOffset/DefaultWidth 描述类别序号在 key 中的位置：
	// "PD16-MW-00300001" 的 [8,11) 为 "003"。
	DefaultOffset = 8
	DefaultWidth  = 3
)

// LookupError 表示无法从 key 推导出类别。
type LookupError struct {
	Key    string
	Reason string // "too_short" | "not_numeric" | "out_of_range"
	Index  int    // 仅 out_of_range 时有意义（1 起）
}

func (e *LookupError) Error() string {
	switch e.Reason {
	case "too_short":
		return fmt.Sprintf("key %q 太短，无法截取类别序号", e.Key)
	case "not_numeric":
		return fmt.Sprintf("key %q 的类别序号不是数字", e.Key)
	case "out_of_range":
		return fmt.Sprintf("key %q 的类别序号 %d 超出类别表范围", e.Key, e.Index)
	default:
		return fmt.Sprintf("key %q 无法映射到类别", e.Key)
	}
}

// Table 是只读的类别查找表。
type Table struct {
	Classes []string
	Offset  int
	Width   int
}

// NewTable 用默认类别表与默认位置构造 Table；classes 为空时使用 DefaultClasses。
func NewTable(classes []string, offset, width int) Table {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	if offset < 0 {
		offset = DefaultOffset
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return Table{
		Classes: append([]string(nil), classes...),
		Offset:  offset,
		Width:   width,
	}
}

// Lookup 从 key 的固定位置截取类别序号（1 起），并映射到类别名。
// 失败时返回 *LookupError；序号 0 与负数都视为越界（不做“倒数”回绕）。
func (t Table) Lookup(key string) (string, error) {
	key = strings.TrimSpace(key)
	end := t.Offset + t.Width
	if t.Offset < 0 || t.Width <= 0 || len(key) < end {
		return "", &LookupError{Key: key, Reason: "too_short"}
	}

	digits := key[t.Offset:end]
	n, err := strconv.Atoi(digits)
	if err != nil || strings.ContainsAny(digits, "+- ") {
		return "", &LookupError{Key: key, Reason: "not_numeric"}
	}
	if n < 1 || n > len(t.Classes) {
		return "", &LookupError{Key: key, Reason: "out_of_range", Index: n}
	}
	return t.Classes[n-1], nil
}
