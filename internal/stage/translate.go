package stage

import (
	"fmt"
	"os"
	"strings"

	"github.com/John-Robertt/pestcap/internal/caption"
	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/scan"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

const translateSuffix = "_caption_en.txt"

// TranslateConfig 是翻译阶段的参数。
type TranslateConfig struct {
	Model  string
	Prompt string // 为空时使用 DefaultTranslatePrompt
}

// Translate：中文描述（<key>_caption.txt）→ 双语翻译 JSON 文本（<key>_caption_en.txt）。
// 纯文本请求，没有次要产物。
type Translate struct {
	cfg   TranslateConfig
	match func(string) bool
}

func NewTranslate(cfg TranslateConfig) *Translate {
	cfg.Prompt = promptOrDefault(cfg.Prompt, DefaultTranslatePrompt)
	return &Translate{cfg: cfg, match: scan.SuffixMatcher(captionSuffix)}
}

func (t *Translate) Name() string           { return NameTranslate }
func (t *Translate) Match(name string) bool { return t.match(name) }
func (t *Translate) UsesCompanion() bool    { return false }

// RequiresCategory=false：描述文本里已有类别，推导失败只是不填 Category。
func (t *Translate) RequiresCategory() bool { return false }

// Key 是去掉 "_caption.txt" 后缀后的文件名："IMG_0001_caption.txt" → "IMG_0001"。
// 后缀匹配不区分大小写，这里按长度截掉。
func (t *Translate) Key(name string) string {
	if !t.match(name) {
		return ""
	}
	return name[:len(name)-len(captionSuffix)]
}

func (t *Translate) OutputName(key string) string { return key + translateSuffix }

func (t *Translate) Validate(it domain.WorkItem) (Prepared, error) {
	b, err := os.ReadFile(it.SrcPath)
	if err != nil {
		return Prepared{}, err
	}
	raw := strings.TrimSpace(strings.TrimPrefix(string(b), "\ufeff"))
	// 整理后的文本只用于校验；发给模型的是原文，保证描述内容不被改写。
	if _, err := caption.ParseObject(caption.Sanitize(raw)); err != nil {
		return Prepared{}, fmt.Errorf("描述文本不是合法 JSON 对象：%w", err)
	}
	return Prepared{Data: b, Text: raw}, nil
}

func (t *Translate) BuildRequest(_ domain.WorkItem, p Prepared, _ string) (vlm.Request, error) {
	return vlm.Request{Model: t.cfg.Model, Prompt: t.cfg.Prompt + p.Text}, nil
}

func (t *Translate) SecondaryCopies(domain.WorkItem) []Copy { return nil }
