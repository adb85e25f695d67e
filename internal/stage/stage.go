// Package stage 定义批处理的阶段策略：同一个条目处理器按策略完成
// “校验 → 组装请求 → 写副本” 这几个随阶段变化的步骤。
package stage

import (
	_ "embed"
	"strings"

	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

const (
	NameCaption   = "caption"
	NameTranslate = "translate"
)

// DefaultCaptionPrompt 之后紧接序列化的 {"图片文件名", "害虫类别"}。
//
//go:embed prompts/caption.txt
var DefaultCaptionPrompt string

// DefaultTranslatePrompt 之后紧接整理过的中文描述 JSON。
//
//go:embed prompts/translate.txt
var DefaultTranslatePrompt string

// Prepared 是校验阶段读取到的源内容。
//
// SkipReason 非空表示条目有效地“不应处理”（例如图片过小），处理器记为 skipped_invalid。
type Prepared struct {
	Data       []byte
	Text       string
	SkipReason string
}

// Copy 描述一个次要产物：把 Src 复制为 <OutDir>/<Name>。
// Optional=true 时源文件不存在不算失败（伴随标注可能缺失）。
type Copy struct {
	Src      string
	Name     string
	Optional bool
}

// Strategy 是一个阶段的全部可变点。实现必须是无状态的（可被多个 worker 并发调用）。
type Strategy interface {
	Name() string
	// Match 过滤输入目录里的候选文件名。
	Match(name string) bool
	// Key 从文件名推导条目标识；返回空串表示文件名无法推导标识。
	Key(name string) string
	OutputName(key string) string
	// UsesCompanion 表示该阶段是否读取伴随标注目录。
	UsesCompanion() bool
	// RequiresCategory 为 true 时，类别推导失败即条目失败（extraction）。
	RequiresCategory() bool

	// Validate 读取并校验源文件；返回 error 表示 validation 失败。
	Validate(it domain.WorkItem) (Prepared, error)
	BuildRequest(it domain.WorkItem, p Prepared, category string) (vlm.Request, error)
	SecondaryCopies(it domain.WorkItem) []Copy
}

func promptOrDefault(p, def string) string {
	if strings.TrimSpace(p) == "" {
		return def
	}
	return p
}
