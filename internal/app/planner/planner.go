package planner

import (
	"os"
	"path/filepath"

	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/scan"
)

// PlanItem 基于扫描到的源文件生成确定性的 WorkItem（不做任何写入）。
//
// - companionDir 为空：该阶段没有伴随标注
// - 输出路径固定为 <outDir>/<outputName>
func PlanItem(f scan.File, key, companionDir, outDir, outputName string) domain.WorkItem {
	it := domain.WorkItem{
		Key:        key,
		Name:       f.Name,
		SrcPath:    f.Path,
		OutDir:     filepath.Clean(outDir),
		OutputName: outputName,
	}
	it.OutputPath = filepath.Join(it.OutDir, outputName)
	if companionDir != "" {
		it.CompanionPath = filepath.Join(filepath.Clean(companionDir), key+".txt")
	}
	return it
}

// IsComplete 报告条目是否已完成：只看主产物文件是否存在（只做 stat，不读内容）。
//
// 注意：不校验内容，也不检查图片/标注副本；上次运行写出了主产物但副本失败的条目，
// 重跑时同样视为已完成。
func IsComplete(it domain.WorkItem) bool {
	fi, err := os.Stat(it.OutputPath)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// CountPending 统计尚未完成的条目数（用于进度展示，不影响处理逻辑）。
func CountPending(items []domain.WorkItem) int {
	n := 0
	for i := range items {
		if !IsComplete(items[i]) {
			n++
		}
	}
	return n
}
