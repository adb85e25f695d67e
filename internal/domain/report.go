package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	ErrCodeDirNotFound       = "dir_not_found"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeCanceled          = "canceled"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
	ErrCodeSetupFailed       = "setup_failed"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
type RunReport struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`

	InputRoot  string `json:"input_root"`
	OutputRoot string `json:"output_root"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// ErrorCode/ErrorMsg 只描述运行级失败（例如输入根目录不可读、配置错误）。
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Summary    *Counters         `json:"summary"`
	Partitions []PartitionReport `json:"partitions"`
}

// PartitionReport 描述一个子目录分区的处理结果。
type PartitionReport struct {
	Name         string `json:"name"`
	InputDir     string `json:"input_dir"`
	CompanionDir string `json:"companion_dir,omitempty"`
	OutputDir    string `json:"output_dir"`

	// Items 是枚举到的条目数；正常结束时 Items == Counters.Total()。
	Items    int       `json:"items"`
	Counters *Counters `json:"counters"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	// Issues 只收录需要人工关注的条目：failed、skipped_invalid，以及带 warnings 的 success。
	Issues []ItemResult `json:"issues,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NeedsAttention 判断条目结果是否应进入 PartitionReport.Issues。
func NeedsAttention(r ItemResult) bool {
	switch r.Outcome {
	case OutcomeSuccess, OutcomeSkippedDone:
		return len(r.Warnings) > 0
	default:
		return true
	}
}

// NewRunReport 生成带新 run_id 的空报告。
func NewRunReport(stage, inputRoot, outputRoot string, started time.Time) RunReport {
	return RunReport{
		RunID:      uuid.NewString(),
		Stage:      stage,
		InputRoot:  inputRoot,
		OutputRoot: outputRoot,
		StartedAt:  started,
		Summary:    &Counters{},
		Partitions: make([]PartitionReport, 0, 8),
	}
}

// Failed 报告本次运行是否存在任何失败（运行级、分区级或条目级）。
func (r *RunReport) Failed() bool {
	if r.ErrorCode != "" {
		return true
	}
	for i := range r.Partitions {
		if r.Partitions[i].ErrorCode != "" {
			return true
		}
	}
	return r.Summary != nil && r.Summary.Failed > 0
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) partitions 按 name、issues 按 key 稳定排序（完成顺序受并发影响，排序后输出可 diff）
// 3) summary 由各分区 counters 累加得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Partitions, func(i, j int) bool {
		return r.Partitions[i].Name < r.Partitions[j].Name
	})

	s := &Counters{}
	for i := range r.Partitions {
		p := &r.Partitions[i]
		p.StartedAt = p.StartedAt.UTC()
		p.FinishedAt = p.FinishedAt.UTC()
		if p.Counters == nil {
			p.Counters = &Counters{}
		}
		sort.SliceStable(p.Issues, func(a, b int) bool { return p.Issues[a].Key < p.Issues[b].Key })
		s.Merge(p.Counters)
	}
	r.Summary = s
	if r.Partitions == nil {
		r.Partitions = []PartitionReport{}
	}
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
