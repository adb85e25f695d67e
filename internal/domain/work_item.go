package domain

// WorkItem 是一个待处理的条目：一个源文件 + 可选的伴随标注 + 推导出的输出路径。
//
// 不变量：
// - 由枚举阶段按次运行重新生成，创建后不再修改，也不跨运行持久化
// - Key 由阶段策略从文件名推导（例如 "PD16-MW-00300001"）
// - OutputPath == filepath.Join(OutDir, OutputName)
type WorkItem struct {
	Key  string
	Name string // 源文件名（含扩展名）

	SrcPath string
	// CompanionPath 指向同 Key 的伴随标注（<key>.txt）；可能为空或文件不存在。
	CompanionPath string

	OutDir     string
	OutputName string
	OutputPath string
}
