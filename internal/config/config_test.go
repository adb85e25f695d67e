package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEffective_ConfigNotFound(t *testing.T) {
	cwd := t.TempDir()
	t.Setenv(DefaultAPIKeyEnv, "k")

	_, err := LoadEffective(cwd, StageCaption, CLIArgs{})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}

	_, err = LoadEffective(cwd, StageCaption, CLIArgs{ConfigPath: "missing.yaml", Input: "in", Output: "out"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("--config 指向不存在的文件应返回 %q，实际 %v", ErrCodeNotFound, err)
	}
}

func TestLoadEffective_MissingPath(t *testing.T) {
	cwd := t.TempDir()
	t.Setenv(DefaultAPIKeyEnv, "k")
	writeFile(t, filepath.Join(cwd, FileName), []byte("caption:\n  input: data/images\n"))

	_, err := LoadEffective(cwd, StageCaption, CLIArgs{})
	if Code(err) != ErrCodeMissingPath {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeMissingPath, err, Code(err))
	}
}

func TestLoadEffective_Defaults_CLIOnly(t *testing.T) {
	cwd := t.TempDir()
	t.Setenv(DefaultAPIKeyEnv, " secret ")
	t.Setenv(EnvTracingExporter, "")

	eff, err := LoadEffective(cwd, StageCaption, CLIArgs{Input: "images", Output: "caption", BBox: "bbox"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != "" {
		t.Fatalf("没有配置文件时 ConfigPath 应为空：%q", eff.ConfigPath)
	}
	if eff.InputRoot != filepath.Join(cwd, "images") || eff.OutputRoot != filepath.Join(cwd, "caption") || eff.CompanionRoot != filepath.Join(cwd, "bbox") {
		t.Fatalf("路径不符合预期：%+v", eff)
	}
	if eff.Concurrency != DefaultConcurrency || eff.MinImageSide != DefaultMinImageSide || eff.MaxBBoxCount != 0 {
		t.Fatalf("默认值不符合预期：%+v", eff)
	}
	if eff.CategoryOffset != DefaultCategoryOffset || eff.CategoryWidth != DefaultCategoryWidth || eff.Classes != nil {
		t.Fatalf("类别默认值不符合预期：%+v", eff)
	}
	if eff.Model != DefaultCaptionModel || eff.Prompt != "" {
		t.Fatalf("模型默认值不符合预期：%q", eff.Model)
	}
	if eff.Service.BaseURL != DefaultBaseURL || eff.Service.APIKey != "secret" || eff.Service.Timeout != DefaultTimeout || eff.Service.MaxRetries != 0 {
		t.Fatalf("服务默认值不符合预期：%+v", eff.Service)
	}
	if eff.Tracing.Exporter != "none" {
		t.Fatalf("tracing 默认应为 none：%q", eff.Tracing.Exporter)
	}
	if eff.LogDir != filepath.Join(cwd, DefaultLogDir) {
		t.Fatalf("log_dir 默认值不符合预期：%q", eff.LogDir)
	}
}

func TestLoadEffective_FileAndCLIMergeOrder(t *testing.T) {
	cwd := t.TempDir()
	t.Setenv("MY_KEY", "from-env")
	t.Setenv(EnvTracingExporter, "")
	writeFile(t, filepath.Join(cwd, "prompt.txt"), []byte("翻译："))
	writeFile(t, filepath.Join(cwd, FileName), []byte(`
log_dir: out/logs
concurrency: 8
service:
  base_url: https://example.com/api/v3/
  api_key_env: MY_KEY
  timeout: 30s
  max_retries: 2
tracing:
  exporter: stdout
category:
  offset: 0
  width: 1
  classes: [a, b]
translate:
  input: data/caption
  output: data/caption_en
  model: m-translate
  prompt_file: prompt.txt
  partitions: [p1]
`))

	eff, err := LoadEffective(cwd, StageTranslate, CLIArgs{Concurrency: 64, ConcurrencySet: true, Partitions: []string{"p2"}})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != MaxConcurrency {
		t.Fatalf("CLI 并发应覆盖并截断到 %d，实际 %d", MaxConcurrency, eff.Concurrency)
	}
	if len(eff.Partitions) != 1 || eff.Partitions[0] != "p2" {
		t.Fatalf("CLI partition 应覆盖配置：%v", eff.Partitions)
	}
	if eff.InputRoot != filepath.Join(cwd, "data", "caption") || eff.CompanionRoot != "" {
		t.Fatalf("translate 路径不符合预期：%+v", eff)
	}
	if eff.Model != "m-translate" || eff.Prompt != "翻译：" {
		t.Fatalf("阶段参数不符合预期：model=%q prompt=%q", eff.Model, eff.Prompt)
	}
	if eff.CategoryOffset != 0 || eff.CategoryWidth != 1 || len(eff.Classes) != 2 {
		t.Fatalf("类别参数不符合预期：%+v", eff)
	}
	if eff.Service.BaseURL != "https://example.com/api/v3" || eff.Service.APIKey != "from-env" || eff.Service.Timeout != 30*time.Second || eff.Service.MaxRetries != 2 {
		t.Fatalf("服务参数不符合预期：%+v", eff.Service)
	}
	if eff.Tracing.Exporter != "stdout" {
		t.Fatalf("tracing 不符合预期：%+v", eff.Tracing)
	}
	if eff.LogDir != filepath.Join(cwd, "out", "logs") {
		t.Fatalf("log_dir 不符合预期：%q", eff.LogDir)
	}

	// 环境变量覆盖 tracing.exporter。
	t.Setenv(EnvTracingExporter, "OTLPHTTP")
	eff, err = LoadEffective(cwd, StageTranslate, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Tracing.Exporter != "otlphttp" || eff.Concurrency != 8 || eff.Partitions[0] != "p1" {
		t.Fatalf("合并结果不符合预期：%+v", eff)
	}
}

func TestLoadEffective_ExplicitConfigRelativeToFile(t *testing.T) {
	cwd := t.TempDir()
	t.Setenv(DefaultAPIKeyEnv, "k")
	confDir := filepath.Join(cwd, "conf")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	writeFile(t, filepath.Join(confDir, "run.yaml"), []byte("caption:\n  input: images\n  output: caption\n  bbox: bbox\n"))

	eff, err := LoadEffective(cwd, StageCaption, CLIArgs{ConfigPath: "conf/run.yaml", Output: "elsewhere"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.InputRoot != filepath.Join(confDir, "images") || eff.CompanionRoot != filepath.Join(confDir, "bbox") {
		t.Fatalf("配置文件路径应相对配置文件目录：%+v", eff)
	}
	if eff.OutputRoot != filepath.Join(cwd, "elsewhere") {
		t.Fatalf("CLI 路径应相对 cwd：%q", eff.OutputRoot)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "syntax", yaml: "caption: ["},
		{name: "unknown field", yaml: "caption:\n  input: a\n  output: b\n  modle: x\n"},
		{name: "bad timeout", yaml: "service:\n  timeout: soon\ncaption:\n  input: a\n  output: b\n"},
		{name: "bad base url", yaml: "service:\n  base_url: ark.example.com\ncaption:\n  input: a\n  output: b\n"},
		{name: "bad proxy", yaml: "service:\n  proxy_url: 127.0.0.1:8080\ncaption:\n  input: a\n  output: b\n"},
		{name: "negative retries", yaml: "service:\n  max_retries: -1\ncaption:\n  input: a\n  output: b\n"},
		{name: "bad exporter", yaml: "tracing:\n  exporter: jaeger\ncaption:\n  input: a\n  output: b\n"},
		{name: "empty class", yaml: "category:\n  classes: [a, '']\ncaption:\n  input: a\n  output: b\n"},
		{name: "missing prompt file", yaml: "caption:\n  input: a\n  output: b\n  prompt_file: nope.txt\n"},
		{name: "same dirs", yaml: "caption:\n  input: a\n  output: a\n"},
		{name: "bad partition", yaml: "caption:\n  input: a\n  output: b\n  partitions: [../x]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cwd := t.TempDir()
			t.Setenv(DefaultAPIKeyEnv, "k")
			t.Setenv(EnvTracingExporter, "")
			writeFile(t, filepath.Join(cwd, FileName), []byte(tc.yaml))

			_, err := LoadEffective(cwd, StageCaption, CLIArgs{})
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_MissingAPIKey(t *testing.T) {
	cwd := t.TempDir()
	t.Setenv(DefaultAPIKeyEnv, "")

	_, err := LoadEffective(cwd, StageCaption, CLIArgs{Input: "a", Output: "b"})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("缺少 API key 应返回 %q，实际 %v", ErrCodeInvalid, err)
	}
}

func TestLoadEffective_UnknownStage(t *testing.T) {
	if _, err := LoadEffective(t.TempDir(), "plot", CLIArgs{Input: "a", Output: "b"}); Code(err) != ErrCodeInvalid {
		t.Fatalf("未知阶段应返回 %q，实际 %v", ErrCodeInvalid, err)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败 %q：%v", path, err)
	}
}
