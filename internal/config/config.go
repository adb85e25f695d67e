package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ErrCodeNotFound 表示既没有 CLI 路径参数，也找不到配置文件（或 --config 指向的文件不存在）。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示合并后仍缺少输入或输出根目录。
	ErrCodeMissingPath = "config_missing_path"
)

// FileName 是 cwd 下自动发现的配置文件名。
const FileName = "pestcap.yaml"

const (
	DefaultConcurrency    = 5
	MaxConcurrency        = 32
	DefaultMinImageSide   = 40
	DefaultCategoryOffset = 8
	DefaultCategoryWidth  = 3
	DefaultBaseURL        = "https://ark.cn-beijing.volces.com/api/v3"
	DefaultAPIKeyEnv      = "ARK_API_KEY"
	DefaultTimeout        = 120 * time.Second
	DefaultLogDir         = "logs"

	DefaultCaptionModel   = "doubao-1.5-vision-pro-250328"
	DefaultTranslateModel = "doubao-1-5-pro-32k-250115"

	// EnvTracingExporter 覆盖 tracing.exporter（便于临时排障，不改配置文件）。
	EnvTracingExporter = "PESTCAP_OTEL_EXPORTER"
)

const (
	StageCaption   = "caption"
	StageTranslate = "translate"
)

// CLIArgs 是 CLI 暴露的入口参数，并保留“是否显式指定”的信息，
// 保证 --concurrency 之类的覆盖可以和配置文件区分开。
type CLIArgs struct {
	ConfigPath string

	Input  string
	Output string
	BBox   string

	Concurrency    int
	ConcurrencySet bool

	Partitions []string
}

// FileConfig 对应 pestcap.yaml 的解析结构。
type FileConfig struct {
	LogDir      string          `yaml:"log_dir"`
	Concurrency int             `yaml:"concurrency"`
	Service     ServiceFile     `yaml:"service"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Category    CategoryFile    `yaml:"category"`
	Caption     CaptionFile     `yaml:"caption"`
	Translate   StageFileConfig `yaml:"translate"`
}

type ServiceFile struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
	ProxyURL   string `yaml:"proxy_url"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type CategoryFile struct {
	Offset  *int     `yaml:"offset"`
	Width   int      `yaml:"width"`
	Classes []string `yaml:"classes"`
}

// StageFileConfig 是两个阶段共有的字段。
type StageFileConfig struct {
	Input      string   `yaml:"input"`
	Output     string   `yaml:"output"`
	Model      string   `yaml:"model"`
	PromptFile string   `yaml:"prompt_file"`
	Partitions []string `yaml:"partitions"`
}

type CaptionFile struct {
	StageFileConfig `yaml:",inline"`

	BBox         string `yaml:"bbox"`
	MinImageSide int    `yaml:"min_image_side"`
	MaxBBoxCount int    `yaml:"max_bbox_count"`
}

// ServiceConfig 是模型服务调用的最终参数。
type ServiceConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	ProxyURL   string
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Stage string
	// ConfigPath 为空表示没有读取任何配置文件。
	ConfigPath string

	InputRoot     string
	CompanionRoot string // 仅 caption；为空表示不读取伴随标注
	OutputRoot    string
	Partitions    []string

	Concurrency int
	LogDir      string

	Model  string
	Prompt string // 为空表示使用内置模板

	MinImageSide int
	MaxBBoxCount int

	CategoryOffset int
	CategoryWidth  int
	Classes        []string // 为空表示使用内置类别表

	Service ServiceConfig
	Tracing TracingConfig
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		if e.Path == "" {
			return fmt.Sprintf("%s：未指定 --input/--output，且当前目录没有 %s", e.Code, FileName)
		}
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return fmt.Sprintf("%s：缺少输入或输出目录", e.Code)
	case ErrCodeInvalid:
		if e.Path == "" && e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为 stage 的最终配置。
//
// 发现规则：
// 1) --config 给出：必须存在，否则 config_not_found
// 2) 否则读取 <cwd>/pestcap.yaml（可选）；CLI 未给 --input 且文件也不存在时返回 config_not_found
//
// 覆盖优先级：CLI > 配置文件 > 内置默认。
// 路径：CLI 路径相对 cwd；配置文件里的相对路径相对配置文件所在目录。
func LoadEffective(cwd, stage string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}
	if stage != StageCaption && stage != StageTranslate {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("未知阶段：%q", stage)}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, FileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			if strings.TrimSpace(cli.Input) == "" {
				return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Err: os.ErrNotExist}
			}
			cfgPath = ""
		}
	}

	return merge(cwdAbs, stage, cli, fc, cfgPath)
}

func merge(cwdAbs, stage string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	// 配置文件里的相对路径以配置文件目录为基准。
	fileBase := cwdAbs
	if cfgPath != "" {
		fileBase = filepath.Dir(cfgPath)
	}
	pick := func(cliVal, fileVal string) string {
		if strings.TrimSpace(cliVal) != "" {
			return absCleanFrom(cwdAbs, cliVal)
		}
		return absCleanFrom(fileBase, fileVal)
	}

	var sf StageFileConfig
	if stage == StageCaption {
		sf = fc.Caption.StageFileConfig
	} else {
		sf = fc.Translate
	}

	eff := EffectiveConfig{
		Stage:      stage,
		ConfigPath: cfgPath,
		InputRoot:  pick(cli.Input, sf.Input),
		OutputRoot: pick(cli.Output, sf.Output),
	}
	if stage == StageCaption {
		eff.CompanionRoot = pick(cli.BBox, fc.Caption.BBox)
	}
	if eff.InputRoot == "" || eff.OutputRoot == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath, Err: fmt.Errorf("阶段 %s 缺少 input 或 output 目录", stage)}
	}
	if eff.InputRoot == eff.OutputRoot {
		return EffectiveConfig{}, invalid("input 与 output 不能是同一目录：%q", eff.InputRoot)
	}

	// partitions：CLI > config；为空表示处理全部分区。
	parts := cli.Partitions
	if len(parts) == 0 {
		parts = sf.Partitions
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, `/\`) || p == "." || p == ".." {
			return EffectiveConfig{}, invalid("partition 只能是目录名：%q", p)
		}
		eff.Partitions = append(eff.Partitions, p)
	}

	// concurrency：CLI > config > 默认；范围 [1, 32]，超出截断。
	concurrency := fc.Concurrency
	if cli.ConcurrencySet {
		concurrency = cli.Concurrency
	}
	if concurrency == 0 && !cli.ConcurrencySet {
		concurrency = DefaultConcurrency
	}
	eff.Concurrency = clamp(concurrency, 1, MaxConcurrency)

	eff.LogDir = absCleanFrom(fileBase, fc.LogDir)
	if strings.TrimSpace(fc.LogDir) == "" {
		eff.LogDir = filepath.Join(cwdAbs, DefaultLogDir)
	}

	// 阶段参数。
	eff.Model = strings.TrimSpace(sf.Model)
	if eff.Model == "" {
		if stage == StageCaption {
			eff.Model = DefaultCaptionModel
		} else {
			eff.Model = DefaultTranslateModel
		}
	}
	if pf := strings.TrimSpace(sf.PromptFile); pf != "" {
		p := absCleanFrom(fileBase, pf)
		b, err := os.ReadFile(p)
		if err != nil {
			return EffectiveConfig{}, invalid("prompt_file 读取失败：%v", err)
		}
		if strings.TrimSpace(string(b)) == "" {
			return EffectiveConfig{}, invalid("prompt_file 为空：%q", p)
		}
		eff.Prompt = string(b)
	}
	if stage == StageCaption {
		eff.MinImageSide = fc.Caption.MinImageSide
		if eff.MinImageSide == 0 {
			eff.MinImageSide = DefaultMinImageSide
		}
		if eff.MinImageSide < 0 {
			return EffectiveConfig{}, invalid("min_image_side 不能为负数：%d", eff.MinImageSide)
		}
		if fc.Caption.MaxBBoxCount < 0 {
			return EffectiveConfig{}, invalid("max_bbox_count 不能为负数：%d", fc.Caption.MaxBBoxCount)
		}
		eff.MaxBBoxCount = fc.Caption.MaxBBoxCount
	}

	// 类别表。
	eff.CategoryOffset = DefaultCategoryOffset
	if fc.Category.Offset != nil {
		if *fc.Category.Offset < 0 {
			return EffectiveConfig{}, invalid("category.offset 不能为负数：%d", *fc.Category.Offset)
		}
		eff.CategoryOffset = *fc.Category.Offset
	}
	eff.CategoryWidth = DefaultCategoryWidth
	if fc.Category.Width != 0 {
		if fc.Category.Width < 0 {
			return EffectiveConfig{}, invalid("category.width 不能为负数：%d", fc.Category.Width)
		}
		eff.CategoryWidth = fc.Category.Width
	}
	for i, c := range fc.Category.Classes {
		c = strings.TrimSpace(c)
		if c == "" {
			return EffectiveConfig{}, invalid("category.classes[%d] 不能为空", i)
		}
		eff.Classes = append(eff.Classes, c)
	}

	svc, err := mergeService(fc.Service)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.Service = svc

	tr, err := mergeTracing(fc.Tracing)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.Tracing = tr

	return eff, nil
}

func mergeService(sf ServiceFile) (ServiceConfig, error) {
	out := ServiceConfig{
		BaseURL:    strings.TrimRight(strings.TrimSpace(sf.BaseURL), "/"),
		MaxRetries: sf.MaxRetries,
		ProxyURL:   strings.TrimSpace(sf.ProxyURL),
		Timeout:    DefaultTimeout,
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	u, err := url.Parse(out.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ServiceConfig{}, fmt.Errorf("service.base_url 必须是 http/https 绝对地址：%q", out.BaseURL)
	}

	if out.ProxyURL != "" {
		u, err := url.Parse(out.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ServiceConfig{}, fmt.Errorf("service.proxy_url 无效：%q", out.ProxyURL)
		}
	}

	if s := strings.TrimSpace(sf.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return ServiceConfig{}, fmt.Errorf("service.timeout 无效：%q", s)
		}
		out.Timeout = d
	}
	if out.MaxRetries < 0 {
		return ServiceConfig{}, fmt.Errorf("service.max_retries 不能为负数：%d", out.MaxRetries)
	}

	// api_key：配置文件显式给出 > 环境变量（默认 ARK_API_KEY）。
	out.APIKey = strings.TrimSpace(sf.APIKey)
	if out.APIKey == "" {
		env := strings.TrimSpace(sf.APIKeyEnv)
		if env == "" {
			env = DefaultAPIKeyEnv
		}
		out.APIKey = strings.TrimSpace(os.Getenv(env))
		if out.APIKey == "" {
			return ServiceConfig{}, fmt.Errorf("缺少 API key：请设置环境变量 %s 或 service.api_key", env)
		}
	}
	return out, nil
}

func mergeTracing(tc TracingConfig) (TracingConfig, error) {
	exp := strings.ToLower(strings.TrimSpace(tc.Exporter))
	if v := strings.TrimSpace(os.Getenv(EnvTracingExporter)); v != "" {
		exp = strings.ToLower(v)
	}
	if exp == "" {
		exp = "none"
	}
	switch exp {
	case "none", "stdout", "otlphttp":
	default:
		return TracingConfig{}, fmt.Errorf("tracing.exporter 只能是 none/stdout/otlphttp，实际是 %q", exp)
	}
	return TracingConfig{Exporter: exp, Endpoint: strings.TrimSpace(tc.Endpoint)}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute；p 为空时返回空串。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件；未知字段视为错误（拼写错误不应被静默忽略）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		// 空文件：等价于全部默认值。
		if errors.Is(err, io.EOF) {
			return FileConfig{}, true, nil
		}
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
