package stage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/infra/imgx"
	"github.com/John-Robertt/pestcap/internal/scan"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

const (
	DefaultMinImageSide = 40
	captionSuffix       = "_caption.txt"
)

// CaptionConfig 是图片描述阶段的参数。
type CaptionConfig struct {
	Model  string
	Prompt string // 为空时使用 DefaultCaptionPrompt

	MinImageSide int // <=0 时使用 DefaultMinImageSide
	// MaxBBoxCount>0 时，伴随标注行数超过该值的图片跳过；0 表示不限制。
	MaxBBoxCount int
}

// Caption：图片 + 类别 → 双语描述 JSON 文本（<key>_caption.txt），并复制图片与标注。
type Caption struct {
	cfg   CaptionConfig
	match func(string) bool
}

func NewCaption(cfg CaptionConfig) *Caption {
	if cfg.MinImageSide <= 0 {
		cfg.MinImageSide = DefaultMinImageSide
	}
	if cfg.MaxBBoxCount < 0 {
		cfg.MaxBBoxCount = 0
	}
	cfg.Prompt = promptOrDefault(cfg.Prompt, DefaultCaptionPrompt)
	return &Caption{cfg: cfg, match: scan.SuffixMatcher(".jpg", ".jpeg", ".png")}
}

func (c *Caption) Name() string           { return NameCaption }
func (c *Caption) Match(name string) bool { return c.match(name) }
func (c *Caption) UsesCompanion() bool    { return true }
func (c *Caption) RequiresCategory() bool { return true }

// Key 是去掉扩展名后的文件名："PD16-MW-00300001.jpg" → "PD16-MW-00300001"。
func (c *Caption) Key(name string) string { return strings.TrimSuffix(name, filepath.Ext(name)) }

func (c *Caption) OutputName(key string) string { return key + captionSuffix }

func (c *Caption) Validate(it domain.WorkItem) (Prepared, error) {
	b, err := os.ReadFile(it.SrcPath)
	if err != nil {
		return Prepared{}, err
	}
	w, h, _, err := imgx.Dimensions(b)
	if err != nil {
		return Prepared{}, fmt.Errorf("图片无法解码：%w", err)
	}
	if w < c.cfg.MinImageSide || h < c.cfg.MinImageSide {
		return Prepared{SkipReason: fmt.Sprintf("图片尺寸过小（%dx%d < %d）", w, h, c.cfg.MinImageSide)}, nil
	}

	if c.cfg.MaxBBoxCount > 0 && it.CompanionPath != "" {
		n, err := countLines(it.CompanionPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Prepared{}, fmt.Errorf("读取标注失败：%w", err)
		}
		if n > c.cfg.MaxBBoxCount {
			return Prepared{SkipReason: fmt.Sprintf("标注数量过多（%d > %d）", n, c.cfg.MaxBBoxCount)}, nil
		}
	}
	return Prepared{Data: b}, nil
}

// captionContext 的字段顺序即序列化顺序。
type captionContext struct {
	FileName string `json:"图片文件名"`
	Category string `json:"害虫类别"`
}

func (c *Caption) BuildRequest(it domain.WorkItem, p Prepared, category string) (vlm.Request, error) {
	if len(p.Data) == 0 {
		return vlm.Request{}, errors.New("图片内容为空")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(captionContext{FileName: it.Name, Category: category}); err != nil {
		return vlm.Request{}, err
	}

	return vlm.Request{
		Model:        c.cfg.Model,
		Prompt:       c.cfg.Prompt + strings.TrimRight(buf.String(), "\n"),
		ImageDataURL: imgx.DataURL(p.Data),
	}, nil
}

// SecondaryCopies：图片副本必做；标注副本只在标注存在时做。
func (c *Caption) SecondaryCopies(it domain.WorkItem) []Copy {
	out := []Copy{{Src: it.SrcPath, Name: it.Name}}
	if it.CompanionPath != "" {
		out = append(out, Copy{Src: it.CompanionPath, Name: it.Key + ".txt", Optional: true})
	}
	return out
}

// countLines 统计非空行数（YOLO 标注一行一个框）。
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}
