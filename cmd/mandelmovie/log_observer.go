package main

import (
	"log/slog"
	"sort"
	"time"

	"github.com/John-Robertt/mandelmovie/internal/app/run"
	"github.com/John-Robertt/mandelmovie/internal/config"
	"github.com/John-Robertt/mandelmovie/internal/domain"
)

var _ run.Observer = logObserver{}

// logObserver 用于非交互环境：进度走 slog（stderr），stdout 只留给 RunReport JSON。
type logObserver struct{}

func (logObserver) OnStart(eff config.EffectiveConfig) {
	slog.Info("开始渲染",
		"out", eff.OutDir,
		"frames", eff.Frames,
		"size", [2]int{eff.Width, eff.Height},
		"procs", eff.Procs,
		"threads", eff.Threads,
		"mode", eff.Mode,
	)
}

func (logObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	attrs := make([]any, 0, 2*len(fields)+4)
	attrs = append(attrs, "phase", name)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, fields[k])
	}
	attrs = append(attrs, "elapsed", dur.Round(time.Millisecond))
	slog.Info("阶段完成", attrs...)
}

func (logObserver) OnFrameDone(done, total int, res domain.FrameResult, dur time.Duration) {
	if res.Status == domain.StatusFailed {
		slog.Error("帧失败", "file", res.File, "proc", res.Proc, "code", res.ErrorCode, "error", res.ErrorMsg)
		return
	}
	slog.Info("帧完成", "done", done, "total", total, "file", res.File, "proc", res.Proc, "elapsed", dur.Round(time.Millisecond))
}

func (logObserver) OnProgress(done, total, ok, fail, skip, active int, activeFrames []string, elapsed time.Duration) {
	slog.Debug("进度", "done", done, "total", total, "active", activeFrames)
}
