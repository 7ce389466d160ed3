package domain

// FrameFile 是输出目录中已存在、且文件名符合帧命名规则的文件。
type FrameFile struct {
	Index   int
	Name    string
	AbsPath string
	Size    int64
}

// OutState 描述输出目录的现状（只做目录遍历，不读文件内容）。
type OutState struct {
	OutDir   string
	Existing map[int]FrameFile // 帧下标 -> 已存在的文件
}

// Has 报告帧 j 是否已有非空输出文件。
func (s OutState) Has(j int) bool {
	f, ok := s.Existing[j]
	return ok && f.Size > 0
}
