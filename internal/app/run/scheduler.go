package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/John-Robertt/pestcap/internal/domain"
)

// ProcessFunc 处理单个条目并返回终态结果。
type ProcessFunc func(ctx context.Context, it domain.WorkItem) domain.ItemResult

// DoneFunc 在收集 goroutine 上按完成顺序调用；done 从 1 开始。
type DoneFunc func(done, total int, res domain.ItemResult, dur time.Duration)

// RunPartition 用 workers 个 goroutine 处理 items，任意时刻在途条目数不超过 workers。
//
// - 准入按 items 顺序进行；ctx 取消后停止准入，已在途的条目照常收尾
// - 单个条目 panic 只会让该条目记为 failed，不影响同批其它条目
// - 返回的 Counters 只包含已准入条目；准入被取消时额外返回 ctx.Err()
func RunPartition(ctx context.Context, items []domain.WorkItem, workers int, proc ProcessFunc, onDone DoneFunc) (*domain.Counters, error) {
	if workers < 1 {
		workers = 1
	}

	type execResult struct {
		res domain.ItemResult
		dur time.Duration
	}

	jobs := make(chan domain.WorkItem)
	results := make(chan execResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				started := time.Now()
				r := safeProcess(ctx, proc, it)
				results <- execResult{res: r, dur: time.Since(started)}
			}
		}()
	}

	var admitErr error
	go func() {
		defer func() {
			close(jobs)
			wg.Wait()
			close(results)
		}()
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				admitErr = err
				return
			}
			select {
			case jobs <- it:
			case <-ctx.Done():
				admitErr = ctx.Err()
				return
			}
		}
	}()

	counters := &domain.Counters{}
	done := 0
	for r := range results {
		done++
		counters.Add(r.res)
		if onDone != nil {
			onDone(done, len(items), r.res, r.dur)
		}
	}
	// results 关闭发生在准入 goroutine 写完 admitErr 之后。
	return counters, admitErr
}

func safeProcess(ctx context.Context, proc ProcessFunc, it domain.WorkItem) (res domain.ItemResult) {
	defer func() {
		if v := recover(); v != nil {
			res = domain.ItemResult{
				Key:      it.Key,
				Outcome:  domain.OutcomeFailed,
				Stage:    domain.StageValidation,
				ErrorMsg: fmt.Sprintf("处理过程 panic：%v", v),
			}
		}
	}()
	return proc(ctx, it)
}
