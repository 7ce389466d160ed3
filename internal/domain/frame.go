package domain

// Frame 描述序列中的一帧：只在某个 worker 处理该下标期间存在。
type Frame struct {
	Index  int
	Name   string // 输出文件名（不含目录），由 planner 按固定宽度补零生成
	Bounds Bounds
}

const (
	FormatJPEG = "jpg"
	FormatPNG  = "png"
)

// RenderSpec 是所有 worker 共享的渲染参数（由编排进程按值下发，worker 之间不共享内存）。
type RenderSpec struct {
	Geometry ZoomGeometry `cbor:"geometry"`

	Width   int `cbor:"width"`
	Height  int `cbor:"height"`
	MaxIter int `cbor:"max_iter"`
	Threads int `cbor:"threads"`

	OutDir    string `cbor:"out_dir"`
	Prefix    string `cbor:"prefix"`
	NameWidth int    `cbor:"name_width"`
	Format    string `cbor:"format"`
	Quality   int    `cbor:"quality"`
	Label     bool   `cbor:"label"`
}

// Job 是单个 worker 进程的静态任务：启动前一次性给定，运行中不再通信。
type Job struct {
	Proc   int        `cbor:"proc"`
	NProcs int        `cbor:"nprocs"`
	Frames []int      `cbor:"frames"` // 条带分配后的帧下标（递增）
	Spec   RenderSpec `cbor:"spec"`
}

// worker 状态机事件：SPAWNED -> RENDERING(j) -> STORED(j) -> ... -> EXITED。
const (
	EventSpawned   = "spawned"
	EventRendering = "rendering"
	EventStored    = "stored"
	EventFailed    = "failed"
	EventExited    = "exited"
)

// Event 是 worker 上报的进度事件（同一结构同时用于进程内与跨进程 CBOR 流）。
type Event struct {
	Kind  string `cbor:"kind"`
	Proc  int    `cbor:"proc"`
	Frame int    `cbor:"frame"`
	Path  string `cbor:"path,omitempty"`
	Code  string `cbor:"code,omitempty"` // 失败时的 error_code
	Err   string `cbor:"err,omitempty"`
	Nanos int64  `cbor:"nanos,omitempty"`
}
