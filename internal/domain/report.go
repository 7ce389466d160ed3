package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusRendered = "rendered"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
	StatusPending  = "pending" // 已分配但 worker 未到达（例如 worker 中途退出）
)

const (
	MuxStatusDisabled = "disabled"
	MuxStatusSkipped  = "skipped"
	MuxStatusBuilt    = "built"
	MuxStatusPlayed   = "played"
	MuxStatusFailed   = "failed"
)

const (
	ErrCodeConfigNotFound = "config_not_found"
	ErrCodeConfigInvalid  = "config_invalid"
	ErrCodeSpawnFailed    = "spawn_failed"
	ErrCodeRenderFailed   = "render_failed"
	ErrCodeIOFailed       = "io_failed"
	ErrCodeMuxFailed      = "mux_failed"
	ErrCodeCanceled       = "canceled"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
type RunReport struct {
	RunID  string `json:"run_id"`
	OutDir string `json:"out_dir"`

	Geometry  ZoomGeometry `json:"geometry"`
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	MaxIter   int          `json:"max_iterations"`
	Procs     int          `json:"procs"`
	Threads   int          `json:"threads"`
	Mode      string       `json:"mode"`
	Pattern   string       `json:"pattern"`
	StartedAt time.Time    `json:"started_at"`

	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary  `json:"summary"`
	Frames  []FrameResult  `json:"frames"`
	Workers []WorkerResult `json:"workers"`
	Mux     MuxResult      `json:"mux"`
	Gallery string         `json:"gallery,omitempty"`

	// ErrorCode/ErrorMsg 只记录 run 级致命错误（spawn 失败、取消等）。
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

type ReportSummary struct {
	Total    int `json:"total"`
	Rendered int `json:"rendered"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

type FrameResult struct {
	Index  int    `json:"index"`
	Proc   int    `json:"proc"`
	File   string `json:"file"`
	Status string `json:"status"`

	Bounds Bounds `json:"bounds"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
	Millis    int64  `json:"millis"`
}

type WorkerResult struct {
	Proc   int    `json:"proc"`
	Frames []int  `json:"frames"`
	Exited bool   `json:"exited"`
	Error  string `json:"error,omitempty"`
}

type MuxResult struct {
	Status    string `json:"status"`
	Movie     string `json:"movie,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// OK 表示 run 没有致命错误、没有失败或缺失的帧，且 mux（若启用）成功。
func (r RunReport) OK() bool {
	if r.ErrorCode != "" {
		return false
	}
	if r.Summary.Failed > 0 || r.Summary.Pending > 0 {
		return false
	}
	return r.Mux.Status != MuxStatusFailed
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) frames 按帧下标稳定排序，workers 按进程号排序
// 3) summary 由 frames 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Frames, func(i, j int) bool { return r.Frames[i].Index < r.Frames[j].Index })
	sort.SliceStable(r.Workers, func(i, j int) bool { return r.Workers[i].Proc < r.Workers[j].Proc })

	s := ReportSummary{Total: len(r.Frames)}
	for _, f := range r.Frames {
		switch f.Status {
		case StatusRendered:
			s.Rendered++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusPending:
			s.Pending++
		}
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性：nil 切片输出为 []。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	a := Alias(r)
	if a.Frames == nil {
		a.Frames = []FrameResult{}
	}
	if a.Workers == nil {
		a.Workers = []WorkerResult{}
	}
	return json.Marshal(a)
}
