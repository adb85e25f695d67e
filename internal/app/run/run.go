package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/pestcap/internal/app/planner"
	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/infra/fsx"
	"github.com/John-Robertt/pestcap/internal/logging"
	"github.com/John-Robertt/pestcap/internal/observability"
	"github.com/John-Robertt/pestcap/internal/pest"
	"github.com/John-Robertt/pestcap/internal/scan"
	"github.com/John-Robertt/pestcap/internal/stage"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

// Options 是一次阶段运行的全部参数（已由 config 合并、校验）。
type Options struct {
	Stage stage.Strategy

	InputRoot     string
	CompanionRoot string // 仅 UsesCompanion 的阶段使用；为空表示不读伴随标注
	OutputRoot    string
	Partitions    []string // 为空表示输入根下的全部子目录

	Concurrency int
	Categories  pest.Table

	CallTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Deps 是运行期依赖；Logger/Observer 允许为 nil。
type Deps struct {
	Client   vlm.Completer
	Logger   Logger
	Observer Observer
	Now      func() time.Time
}

// Execute 依次处理每个分区，返回已 Finalize 的 RunReport。
//
// 失败分级：
// - 运行级（输入根不可读、被取消）：rr.ErrorCode
// - 分区级（分区目录缺失、输出目录无法创建）：PartitionReport.ErrorCode，继续下一个分区
// - 条目级：计入 Counters，不中断分区
func Execute(ctx context.Context, deps Deps, opts Options) domain.RunReport {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	obs := deps.Observer
	st := opts.Stage

	rr := domain.NewRunReport(st.Name(), opts.InputRoot, opts.OutputRoot, now())
	finish := func() domain.RunReport {
		rr.FinishedAt = now()
		rr.Finalize()
		return rr
	}

	if obs != nil {
		obs.OnStart(StartInfo{
			RunID:         rr.RunID,
			Stage:         st.Name(),
			InputRoot:     opts.InputRoot,
			CompanionRoot: opts.companionRoot(),
			OutputRoot:    opts.OutputRoot,
			Concurrency:   opts.Concurrency,
			Partitions:    opts.Partitions,
		})
	}

	ctx, span := observability.StartSpan(ctx, "pestcap.run",
		observability.AttrRunID.String(rr.RunID),
		observability.AttrStage.String(st.Name()),
	)
	var runErr error
	defer func() { observability.EndSpan(span, runErr) }()

	log.Info("开始 %s 阶段：输入 %s → 输出 %s（并发 %d）", st.Name(), opts.InputRoot, opts.OutputRoot, opts.Concurrency)

	names, err := selectPartitions(opts.InputRoot, opts.Partitions)
	if err != nil {
		runErr = err
		rr.ErrorCode = dirErrCode(err)
		rr.ErrorMsg = err.Error()
		log.Error("无法读取输入目录：%v", err)
		return finish()
	}
	if len(names) == 0 {
		log.Warn("输入目录 %s 下没有可处理的子目录", opts.InputRoot)
	}

	proc := &Processor{
		Strategy:     st,
		Client:       deps.Client,
		Categories:   opts.Categories,
		Logger:       log,
		CallTimeout:  opts.CallTimeout,
		MaxRetries:   opts.MaxRetries,
		RetryBackoff: opts.RetryBackoff,
	}

	for _, ps := range names {
		if err := ctx.Err(); err != nil {
			runErr = err
			rr.ErrorCode = domain.ErrCodeCanceled
			rr.ErrorMsg = err.Error()
			log.Warn("运行被取消，剩余分区不再处理")
			break
		}

		pr := runOne(ctx, now, log, obs, proc, opts, ps)
		rr.Partitions = append(rr.Partitions, pr)
		if obs != nil {
			obs.OnPartitionDone(pr)
		}
	}

	out := finish()
	s := out.Summary
	msg := fmt.Sprintf("%s 阶段结束：成功 %d，已完成跳过 %d，无效跳过 %d，失败 %d，共 %d",
		st.Name(), s.Success, s.SkippedDone, s.SkippedInvalid, s.Failed, s.Total())
	if out.Failed() {
		log.Warn("%s", msg)
	} else {
		log.Success("%s", msg)
	}
	return out
}

// partitionSel 是待处理的分区；missing=true 表示过滤器点名但输入根下不存在。
type partitionSel struct {
	name    string
	missing bool
}

func selectPartitions(root string, filter []string) ([]partitionSel, error) {
	all, err := scan.ListPartitions(root)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		out := make([]partitionSel, 0, len(all))
		for _, n := range all {
			out = append(out, partitionSel{name: n})
		}
		return out, nil
	}

	exists := make(map[string]bool, len(all))
	for _, n := range all {
		exists[n] = true
	}
	seen := make(map[string]bool, len(filter))
	out := make([]partitionSel, 0, len(filter))
	for _, n := range filter {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, partitionSel{name: n, missing: !exists[n]})
	}
	return out, nil
}

func runOne(ctx context.Context, now func() time.Time, log Logger, obs Observer, proc *Processor, opts Options, ps partitionSel) domain.PartitionReport {
	st := opts.Stage
	pr := domain.PartitionReport{
		Name:      ps.name,
		InputDir:  filepath.Join(opts.InputRoot, ps.name),
		OutputDir: filepath.Join(opts.OutputRoot, ps.name),
		Counters:  &domain.Counters{},
		StartedAt: now(),
	}
	if root := opts.companionRoot(); root != "" {
		pr.CompanionDir = filepath.Join(root, ps.name)
	}

	ctx, span := observability.StartSpan(ctx, "pestcap.partition",
		observability.AttrStage.String(st.Name()),
		observability.AttrPartition.String(ps.name),
	)
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	fail := func(code string, err error) domain.PartitionReport {
		spanErr = err
		pr.ErrorCode = code
		pr.ErrorMsg = err.Error()
		pr.FinishedAt = now()
		log.Error("分区 %s 处理失败：%v", ps.name, err)
		return pr
	}

	if ps.missing {
		return fail(domain.ErrCodeDirNotFound, &scan.DirError{Path: pr.InputDir, Err: scan.ErrDirectoryNotFound})
	}

	files, err := scan.ListFiles(pr.InputDir, st.Match)
	if err != nil {
		return fail(dirErrCode(err), err)
	}
	if err := fsx.EnsureDir(pr.OutputDir); err != nil {
		return fail(domain.ErrCodeIOFailed, err)
	}

	items := make([]domain.WorkItem, 0, len(files))
	for _, f := range files {
		key := st.Key(f.Name)
		items = append(items, planner.PlanItem(f, key, pr.CompanionDir, pr.OutputDir, st.OutputName(key)))
	}
	pr.Items = len(items)
	dups := duplicateKeys(items)
	process := func(ctx context.Context, it domain.WorkItem) domain.ItemResult {
		if first, ok := dups[it.Name]; ok {
			se := &StageError{Stage: domain.StageValidation, Key: it.Key,
				Err: fmt.Errorf("与 %s 的条目标识重复（%s），两者会写同一个结果文件", first, it.Key)}
			log.Error("%s 处理失败（%s）：%v", it.Name, se.Stage, se.Err)
			return failed(it, "", se)
		}
		return proc.Process(ctx, it)
	}

	pending := planner.CountPending(items)
	log.Info("分区 %s：共 %d 个文件，待处理 %d 个", ps.name, len(items), pending)
	if obs != nil {
		obs.OnPartitionStart(ps.name, len(items), pending)
	}

	counters, err := RunPartition(ctx, items, opts.Concurrency, process,
		func(done, total int, res domain.ItemResult, dur time.Duration) {
			if domain.NeedsAttention(res) {
				pr.Issues = append(pr.Issues, res)
			}
			if obs != nil {
				obs.OnItemDone(ps.name, done, total, res, dur)
			}
		})
	pr.Counters = counters.Snapshot()
	pr.FinishedAt = now()

	c := pr.Counters
	log.Info("分区 %s 统计：success=%d skipped_done=%d skipped_invalid=%d failed=%d total=%d",
		ps.name, c.Success, c.SkippedDone, c.SkippedInvalid, c.Failed, c.Total())

	if err != nil {
		spanErr = err
		pr.ErrorCode = domain.ErrCodeCanceled
		pr.ErrorMsg = fmt.Sprintf("已处理 %d/%d 个条目后取消：%v", c.Total(), pr.Items, err)
		log.Warn("分区 %s 被取消", ps.name)
	}
	return pr
}

// duplicateKeys 返回 key 与前面某个条目重复的条目：文件名 → 先出现的文件名。
// items 已按文件名排序，保留先出现的那个；空 key 交给校验步骤处理。
func duplicateKeys(items []domain.WorkItem) map[string]string {
	seen := make(map[string]string, len(items))
	dups := map[string]string{}
	for _, it := range items {
		if it.Key == "" {
			continue
		}
		if first, ok := seen[it.Key]; ok {
			dups[it.Name] = first
			continue
		}
		seen[it.Key] = it.Name
	}
	return dups
}

func (o Options) companionRoot() string {
	if o.Stage == nil || !o.Stage.UsesCompanion() {
		return ""
	}
	return o.CompanionRoot
}

func dirErrCode(err error) string {
	if errors.Is(err, scan.ErrDirectoryNotFound) {
		return domain.ErrCodeDirNotFound
	}
	return domain.ErrCodeIOFailed
}
