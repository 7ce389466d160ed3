package run

import (
	"time"

	"github.com/John-Robertt/mandelmovie/internal/config"
	"github.com/John-Robertt/mandelmovie/internal/domain"
)

// Observer 用于把“运行进度/阶段/帧结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：事件可能来自多个 goroutine。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束时调用：plan / render / mux / gallery。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnFrameDone 在某一帧写盘完成或失败时调用（跳过的帧不会触发）。
	OnFrameDone(done, total int, res domain.FrameResult, dur time.Duration)
	// OnProgress 在某个 worker 开始渲染新帧时调用；activeFrames 是此刻正在渲染的帧名。
	OnProgress(done, total, ok, fail, skip, active int, activeFrames []string, elapsed time.Duration)
}
