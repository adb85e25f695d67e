package run

import (
	"time"

	"github.com/John-Robertt/pestcap/internal/domain"
)

// StartInfo 是一次运行开始时已确定的参数（供进度输出展示）。
type StartInfo struct {
	RunID         string
	Stage         string
	InputRoot     string
	CompanionRoot string
	OutputRoot    string
	Concurrency   int
	Partitions    []string // 过滤器；为空表示全部
}

// Observer 用于把“运行进度/分区/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - OnItemDone 只在收集 goroutine 上调用；其它事件在 Execute 的调用 goroutine 上调用。
type Observer interface {
	// OnStart 在 Execute 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(info StartInfo)
	// OnPartitionStart 在分区枚举完成、开始调度前调用；pending 是尚未完成的条目数。
	OnPartitionStart(name string, total, pending int)
	// OnItemDone 在某个条目处理完成时调用（idx 从 1 开始，按完成顺序递增）。
	OnItemDone(partition string, idx, total int, res domain.ItemResult, dur time.Duration)
	// OnPartitionDone 在分区结束（包括分区级失败）时调用。
	OnPartitionDone(p domain.PartitionReport)
}

// Logger 是 run 包需要的最小日志接口；*logging.Logger 满足它。
type Logger interface {
	Info(format string, args ...any)
	Success(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	Debug(format string, args ...any)
}
