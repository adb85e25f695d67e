package domain

import "sync"

// Outcome 是单个 WorkItem 的终态。
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeSkippedDone    Outcome = "skipped_done"
	OutcomeSkippedInvalid Outcome = "skipped_invalid"
	OutcomeFailed         Outcome = "failed"
)

// Stage 标记条目在状态机中失败（或产生告警）的位置。
type Stage string

const (
	StageValidation    Stage = "validation"
	StageExtraction    Stage = "extraction"
	StageServiceCall   Stage = "service_call"
	StagePrimaryWrite  Stage = "primary_write"
	StageSecondaryCopy Stage = "secondary_copy"
)

// ItemResult 是一次条目处理的结果；只在本次运行内聚合，不单独持久化。
type ItemResult struct {
	Key      string  `json:"key"`
	Outcome  Outcome `json:"outcome"`
	Stage    Stage   `json:"stage,omitempty"`
	ErrorMsg string  `json:"error_msg,omitempty"`
	Category string  `json:"category,omitempty"`

	// Warnings 记录次要产物（图片/标注副本）复制失败：只告警，不改变 Outcome。
	Warnings []string `json:"warnings,omitempty"`
}

// Counters 是一个分区内的结果计数。
//
// 约束：每个 WorkItem 恰好贡献一次 Add，因此
// Success + SkippedDone + SkippedInvalid + Failed == 枚举到的条目数。
// Add/Snapshot 可以被多个 goroutine 并发调用。
type Counters struct {
	mu sync.Mutex

	Success        int           `json:"success"`
	SkippedDone    int           `json:"skipped_done"`
	SkippedInvalid int           `json:"skipped_invalid"`
	Failed         int           `json:"failed"`
	FailedByStage  map[Stage]int `json:"failed_by_stage,omitempty"`
}

// Add 按 Outcome 把结果计入对应的桶。未知 Outcome 计为失败（宁可多报失败，也不能漏计）。
func (c *Counters) Add(r ItemResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.Outcome {
	case OutcomeSuccess:
		c.Success++
	case OutcomeSkippedDone:
		c.SkippedDone++
	case OutcomeSkippedInvalid:
		c.SkippedInvalid++
	default:
		c.Failed++
		if c.FailedByStage == nil {
			c.FailedByStage = make(map[Stage]int, 4)
		}
		st := r.Stage
		if st == "" {
			st = StageValidation
		}
		c.FailedByStage[st]++
	}
}

// Merge 把 other 的计数累加到 c（用于运行级汇总）。
func (c *Counters) Merge(other *Counters) {
	snap := other.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Success += snap.Success
	c.SkippedDone += snap.SkippedDone
	c.SkippedInvalid += snap.SkippedInvalid
	c.Failed += snap.Failed
	for st, n := range snap.FailedByStage {
		if c.FailedByStage == nil {
			c.FailedByStage = make(map[Stage]int, len(snap.FailedByStage))
		}
		c.FailedByStage[st] += n
	}
}

// Snapshot 返回一份不共享锁与 map 的拷贝（可安全地交给观察者/JSON 编码）。
func (c *Counters) Snapshot() *Counters {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &Counters{
		Success:        c.Success,
		SkippedDone:    c.SkippedDone,
		SkippedInvalid: c.SkippedInvalid,
		Failed:         c.Failed,
	}
	if len(c.FailedByStage) > 0 {
		out.FailedByStage = make(map[Stage]int, len(c.FailedByStage))
		for k, v := range c.FailedByStage {
			out.FailedByStage[k] = v
		}
	}
	return out
}

// Total 返回已计入的条目总数。
func (c *Counters) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Success + c.SkippedDone + c.SkippedInvalid + c.Failed
}
