package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/pestcap/internal/app/run"
	"github.com/John-Robertt/pestcap/internal/config"
	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/infra/fsx"
	"github.com/John-Robertt/pestcap/internal/infra/httpx"
	"github.com/John-Robertt/pestcap/internal/logging"
	"github.com/John-Robertt/pestcap/internal/observability"
	"github.com/John-Robertt/pestcap/internal/pest"
	"github.com/John-Robertt/pestcap/internal/stage"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stdout)
		return
	}

	switch args[0] {
	case config.StageCaption, config.StageTranslate:
		if code := stageCmd(args[0], args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func stageCmd(stageName string, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printStageUsage(os.Stdout, stageName)
			return 0
		}
	}

	sa, err := parseStageArgs(stageName, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printStageUsage(os.Stderr, stageName)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, stageName, sa.CLI)
	if err != nil {
		emitReport(reportForError(stageName, sa.CLI, config.Code(err), err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressW, interactive := pickProgressWriter()
	started := time.Now()

	consoleLevel := logging.LevelInfo
	if interactive {
		// 交互终端由进度输出负责逐条展示，控制台日志只保留告警以上。
		consoleLevel = logging.LevelWarn
	}
	logger, err := logging.New(logging.Options{
		ConsoleLevel: consoleLevel,
		Dir:          eff.LogDir,
		Verbose:      sa.Verbose,
	})
	if err != nil {
		return setupFailed(stageName, sa.CLI, fmt.Errorf("初始化日志失败：%w", err))
	}
	defer logger.Close()

	shutdown, traceFile, err := initTracing(ctx, eff, started)
	if err != nil {
		return setupFailed(stageName, sa.CLI, fmt.Errorf("初始化 tracing 失败：%w", err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("flush tracing 失败：%v", err)
		}
		if traceFile != nil {
			_ = traceFile.Close()
		}
	}()

	deps, opts, err := buildRun(eff, logger)
	if err != nil {
		logger.Error("%v", err)
		return setupFailed(stageName, sa.CLI, err)
	}
	if interactive {
		deps.Observer = newProgressUI(progressW)
	}

	rr := run.Execute(ctx, deps, opts)

	reportPath, werr := writeReportFile(eff.LogDir, started, rr)
	if werr != nil {
		logger.Error("写入报告失败：%v", werr)
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff, reportPath, logger.FilePath())
	}
	if werr != nil || rr.Failed() {
		return 1
	}
	return 0
}

// buildRun 把生效配置装配成 run 的依赖与参数；任何一步失败都属于 setup 失败。
func buildRun(eff config.EffectiveConfig, logger *logging.Logger) (run.Deps, run.Options, error) {
	hc, err := httpx.NewServiceClient(eff.Service.ProxyURL, eff.Service.Timeout)
	if err != nil {
		return run.Deps{}, run.Options{}, fmt.Errorf("初始化 HTTP 客户端失败：%w", err)
	}
	client, err := vlm.New(eff.Service.BaseURL, eff.Service.APIKey, hc)
	if err != nil {
		return run.Deps{}, run.Options{}, fmt.Errorf("初始化模型服务客户端失败：%w", err)
	}

	reg, err := stage.NewRegistry(
		stage.NewCaption(stage.CaptionConfig{
			Model:        eff.Model,
			Prompt:       eff.Prompt,
			MinImageSide: eff.MinImageSide,
			MaxBBoxCount: eff.MaxBBoxCount,
		}),
		stage.NewTranslate(stage.TranslateConfig{
			Model:  eff.Model,
			Prompt: eff.Prompt,
		}),
	)
	if err != nil {
		return run.Deps{}, run.Options{}, fmt.Errorf("初始化阶段注册表失败：%w", err)
	}
	st, ok := reg.Get(eff.Stage)
	if !ok {
		return run.Deps{}, run.Options{}, fmt.Errorf("未知阶段 %q（可用：%s）", eff.Stage, strings.Join(reg.Names(), ", "))
	}

	deps := run.Deps{Client: client, Logger: logger}
	opts := run.Options{
		Stage:         st,
		InputRoot:     eff.InputRoot,
		CompanionRoot: eff.CompanionRoot,
		OutputRoot:    eff.OutputRoot,
		Partitions:    eff.Partitions,
		Concurrency:   eff.Concurrency,
		Categories:    pest.NewTable(eff.Classes, eff.CategoryOffset, eff.CategoryWidth),
		CallTimeout:   eff.Service.Timeout,
		MaxRetries:    eff.Service.MaxRetries,
	}
	return deps, opts, nil
}

// initTracing 安装全局 TracerProvider；stdout exporter 写到 log_dir 下的独立文件，
// 避免与 stdout 的 RunReport JSON 或控制台日志混在一起。
func initTracing(ctx context.Context, eff config.EffectiveConfig, started time.Time) (func(context.Context) error, *os.File, error) {
	var f *os.File
	opts := observability.TracingOptions{
		Service:  "pestcap",
		Exporter: eff.Tracing.Exporter,
		Endpoint: eff.Tracing.Endpoint,
	}
	if strings.EqualFold(eff.Tracing.Exporter, "stdout") {
		if err := fsx.EnsureDir(eff.LogDir); err != nil {
			return nil, nil, err
		}
		p := filepath.Join(eff.LogDir, started.Format("20060102_150405")+"_traces.json")
		var err error
		f, err = os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		opts.Writer = f
	}

	shutdown, err := observability.InitTracing(ctx, opts)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, nil, err
	}
	return shutdown, f, nil
}

type stageArgs struct {
	CLI     config.CLIArgs
	Verbose bool
}

func parseStageArgs(stageName string, args []string) (stageArgs, error) {
	sa := stageArgs{}

	// value 读取 "--flag v" 或 "--flag=v" 两种写法。
	value := func(i *int, a, flag string) (string, bool, error) {
		if a == flag {
			if *i+1 >= len(args) {
				return "", true, fmt.Errorf("%s 需要一个值", flag)
			}
			*i++
			return args[*i], true, nil
		}
		if strings.HasPrefix(a, flag+"=") {
			return strings.TrimPrefix(a, flag+"="), true, nil
		}
		return "", false, nil
	}

	for i := 0; i < len(args); i++ {
		a := args[i]

		if a == "-v" || a == "--verbose" {
			sa.Verbose = true
			continue
		}

		matched := false
		for _, flag := range []string{"--input", "--output", "--bbox", "--config", "--concurrency", "--partition"} {
			v, ok, err := value(&i, a, flag)
			if err != nil {
				return stageArgs{}, err
			}
			if !ok {
				continue
			}
			matched = true
			if strings.TrimSpace(v) == "" {
				return stageArgs{}, fmt.Errorf("%s 不能为空", flag)
			}
			switch flag {
			case "--input":
				sa.CLI.Input = v
			case "--output":
				sa.CLI.Output = v
			case "--bbox":
				if stageName != config.StageCaption {
					return stageArgs{}, fmt.Errorf("--bbox 只适用于 caption 阶段")
				}
				sa.CLI.BBox = v
			case "--config":
				sa.CLI.ConfigPath = v
			case "--concurrency":
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 {
					return stageArgs{}, fmt.Errorf("--concurrency 必须是正整数，实际是 %q", v)
				}
				sa.CLI.Concurrency = n
				sa.CLI.ConcurrencySet = true
			case "--partition":
				for _, p := range strings.Split(v, ",") {
					if p = strings.TrimSpace(p); p != "" {
						sa.CLI.Partitions = append(sa.CLI.Partitions, p)
					}
				}
			}
			break
		}
		if matched {
			continue
		}

		if strings.HasPrefix(a, "-") {
			return stageArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		return stageArgs{}, fmt.Errorf("多余的参数 %q", a)
	}
	return sa, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  pestcap caption   [--input DIR] [--output DIR] [--bbox DIR] [选项]
  pestcap translate [--input DIR] [--output DIR] [选项]

命令：
  caption    为害虫图片生成中英双语描述（<key>_caption.txt），并复制图片与标注
  translate  把描述文本翻译为双语版本（<key>_caption_en.txt）

使用 "pestcap <命令> --help" 查看详细说明。
`)
}

func printStageUsage(w io.Writer, stageName string) {
	bbox := ""
	if stageName == config.StageCaption {
		bbox = "  --bbox DIR           伴随标注根目录（可选，缺失的标注不影响处理）\n"
	}
	fmt.Fprintf(w, `用法：
  pestcap %s [选项]

参数（未指定时读配置文件 %s）：
  --input DIR          输入根目录（每个子目录是一个分区）
  --output DIR         输出根目录
%s  --concurrency N      并发数（1-%d，默认 %d）
  --partition NAME     只处理指定分区；可重复，或用逗号分隔
  --config FILE        配置文件路径（默认 ./%s）
  -v, --verbose        输出调试日志
  -h, --help           显示帮助
`, stageName, config.FileName, bbox, config.MaxConcurrency, config.DefaultConcurrency, config.FileName)
}

func summaryLine(rr domain.RunReport) string {
	s := rr.Summary
	if s == nil {
		s = &domain.Counters{}
	}
	return fmt.Sprintf("完成：success=%d skipped_done=%d skipped_invalid=%d failed=%d total=%d",
		s.Success, s.SkippedDone, s.SkippedInvalid, s.Failed, s.Total())
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryLine(rr))
		if rr.ErrorCode != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", rr.ErrorCode, rr.ErrorMsg)
		}
		for _, p := range rr.Partitions {
			if p.ErrorCode != "" {
				fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", p.Name, p.ErrorCode, p.ErrorMsg)
			}
			for _, it := range p.Issues {
				if it.Outcome != domain.OutcomeFailed {
					continue
				}
				fmt.Fprintf(os.Stderr, "[%s] %s %s: %s\n", p.Name, it.Key, it.Stage, it.ErrorMsg)
			}
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr))
}

func reportForError(stageName string, cli config.CLIArgs, code string, err error) domain.RunReport {
	now := time.Now()
	rr := domain.NewRunReport(stageName, cli.Input, cli.Output, now)
	rr.FinishedAt = now
	rr.ErrorCode = code
	rr.ErrorMsg = err.Error()
	rr.Finalize()
	return rr
}

func setupFailed(stageName string, cli config.CLIArgs, err error) int {
	emitReport(reportForError(stageName, cli, domain.ErrCodeSetupFailed, err))
	return 1
}

func writeReportFile(dir string, started time.Time, rr domain.RunReport) (string, error) {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return "", err
	}
	b = append(b, '\n')
	name := fmt.Sprintf("%s_%s_report.json", started.Format("20060102_150405"), rr.Stage)
	if err := fsx.WriteFileAtomicReplace(dir, name, b); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig, reportPath, logPath string) {
	if w == nil {
		return
	}
	if reportPath != "" {
		fmt.Fprintf(w, "report: %s\n", reportPath)
	}
	if logPath != "" {
		fmt.Fprintf(w, "log: %s\n", logPath)
	}
	fmt.Fprintf(w, "out: %s\n", eff.OutputRoot)
}
