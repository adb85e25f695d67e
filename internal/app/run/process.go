package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/John-Robertt/pestcap/internal/app/planner"
	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/infra/fsx"
	"github.com/John-Robertt/pestcap/internal/observability"
	"github.com/John-Robertt/pestcap/internal/pest"
	"github.com/John-Robertt/pestcap/internal/stage"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

const defaultRetryBackoff = 2 * time.Second

// Processor 按阶段策略把一个 WorkItem 推进到终态。
//
// 状态机（每一步都可能是出口）：
//
//	已完成 → skipped_done
//	校验   → skipped_invalid | failed(validation)
//	类别   → failed(extraction)（仅 RequiresCategory 的阶段）
//	请求   → failed(service_call)
//	主产物 → failed(primary_write)
//	副本   → 失败只记 warning，结果仍为 success
//
// Processor 本身无状态，可被多个 worker 并发调用。
type Processor struct {
	Strategy   stage.Strategy
	Client     vlm.Completer
	Categories pest.Table
	Logger     Logger

	// CallTimeout 是单次服务调用的超时；<=0 表示只受 ctx 约束。
	CallTimeout time.Duration
	// MaxRetries 是可重试错误（传输错误/429/5xx/超时）的额外尝试次数；0 表示不重试。
	MaxRetries   int
	RetryBackoff time.Duration
}

// Process 处理单个条目；永远返回一个带 Outcome 的结果，不返回 error。
func (p *Processor) Process(ctx context.Context, it domain.WorkItem) domain.ItemResult {
	ctx, span := observability.StartSpan(ctx, "pestcap.item",
		observability.AttrStage.String(p.Strategy.Name()),
		observability.AttrKey.String(it.Key),
	)
	res, serr := p.process(ctx, it)
	span.SetAttributes(observability.AttrOutcome.String(string(res.Outcome)))
	if serr != nil {
		span.SetAttributes(observability.AttrFailStage.String(string(serr.Stage)))
		observability.EndSpan(span, serr)
		p.Logger.Error("%s 处理失败（%s）：%v", it.Name, serr.Stage, serr.Err)
		return res
	}
	observability.EndSpan(span, nil)
	return res
}

func (p *Processor) process(ctx context.Context, it domain.WorkItem) (domain.ItemResult, *StageError) {
	st := p.Strategy

	// 0) 幂等闸门：主产物已存在即完成。
	if planner.IsComplete(it) {
		p.Logger.Info("%s 已处理，跳过", it.Name)
		return domain.ItemResult{Key: it.Key, Outcome: domain.OutcomeSkippedDone}, nil
	}

	// 1) 校验
	if strings.TrimSpace(it.Key) == "" {
		se := &StageError{Stage: domain.StageValidation, Key: it.Key, Err: fmt.Errorf("文件名 %q 无法推导条目标识", it.Name)}
		return failed(it, "", se), se
	}
	prep, err := st.Validate(it)
	if err != nil {
		se := &StageError{Stage: domain.StageValidation, Key: it.Key, Err: err}
		return failed(it, "", se), se
	}
	if prep.SkipReason != "" {
		p.Logger.Warn("%s %s，跳过处理", it.Name, prep.SkipReason)
		return domain.ItemResult{Key: it.Key, Outcome: domain.OutcomeSkippedInvalid, ErrorMsg: prep.SkipReason}, nil
	}

	// 2) 类别
	category, err := p.Categories.Lookup(it.Key)
	if err != nil {
		if st.RequiresCategory() {
			se := &StageError{Stage: domain.StageExtraction, Key: it.Key, Err: err}
			return failed(it, "", se), se
		}
		p.Logger.Debug("%s 无法推导类别（%v），不影响 %s 阶段", it.Name, err, st.Name())
		category = ""
	}

	// 3) 组装请求
	req, err := st.BuildRequest(it, prep, category)
	if err != nil {
		se := &StageError{Stage: domain.StageValidation, Key: it.Key, Err: err}
		return failed(it, category, se), se
	}

	// 4) 调用服务
	p.Logger.Debug("开始调用 API：%s", it.Name)
	content, err := p.complete(ctx, req)
	if err != nil {
		se := &StageError{Stage: domain.StageServiceCall, Key: it.Key, Err: err}
		return failed(it, category, se), se
	}

	// 5) 主产物：原子写入，不覆盖。
	if err := fsx.WriteFileAtomicNoOverwrite(it.OutDir, it.OutputName, []byte(content)); err != nil {
		if !errors.Is(err, os.ErrExist) {
			se := &StageError{Stage: domain.StagePrimaryWrite, Key: it.Key, Err: err}
			return failed(it, category, se), se
		}
		// 同一输出被其它进程抢先写出：结果已满足。
		p.Logger.Warn("%s 的结果文件已存在，保留已有内容：%s", it.Name, it.OutputPath)
	} else {
		p.Logger.Info("结果已保存：%s", it.OutputPath)
	}

	res := domain.ItemResult{Key: it.Key, Outcome: domain.OutcomeSuccess, Category: category}

	// 6) 次要产物：失败只告警。
	for _, c := range st.SecondaryCopies(it) {
		if c.Optional {
			if _, err := os.Stat(c.Src); errors.Is(err, os.ErrNotExist) {
				continue
			}
		}
		if err := fsx.CopyFileAtomic(c.Src, it.OutDir, c.Name); err != nil {
			msg := fmt.Sprintf("复制 %s 失败：%v", c.Name, err)
			res.Warnings = append(res.Warnings, msg)
			p.Logger.Warn("%s %s（%s）", it.Name, msg, domain.StageSecondaryCopy)
			continue
		}
		p.Logger.Debug("已复制：%s", c.Name)
	}
	if len(res.Warnings) > 0 {
		res.Stage = domain.StageSecondaryCopy
	}
	return res, nil
}

// complete 执行一次带超时的服务调用；按 MaxRetries 对可重试错误做有界重试。
func (p *Processor) complete(ctx context.Context, req vlm.Request) (string, error) {
	backoff := p.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", lastErr
			case <-t.C:
			}
		}

		out, err := p.completeOnce(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !vlm.IsRetryable(err) {
			break
		}
		if attempt < p.MaxRetries {
			p.Logger.Warn("API 调用失败（第 %d 次），稍后重试：%v", attempt+1, err)
		}
	}
	return "", lastErr
}

func (p *Processor) completeOnce(ctx context.Context, req vlm.Request) (string, error) {
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
	}
	return p.Client.Complete(ctx, req)
}
