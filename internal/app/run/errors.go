package run

import (
	"fmt"

	"github.com/John-Robertt/pestcap/internal/domain"
)

// StageError 是条目处理在某一步失败的可追溯错误。
// 上层据此把失败归类到 failed_by_stage，并写入报告。
type StageError struct {
	Stage domain.Stage
	Key   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("key=%s stage=%s: %v", e.Key, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// failed 把 StageError 转成条目结果。
func failed(it domain.WorkItem, category string, err *StageError) domain.ItemResult {
	return domain.ItemResult{
		Key:      it.Key,
		Outcome:  domain.OutcomeFailed,
		Stage:    err.Stage,
		ErrorMsg: err.Err.Error(),
		Category: category,
	}
}
