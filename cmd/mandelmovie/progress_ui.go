package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/mandelmovie/internal/app/run"
	"github.com/John-Robertt/mandelmovie/internal/config"
	"github.com/John-Robertt/mandelmovie/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的简洁进度输出。
//
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：大图单帧可能要渲染很久，长时间无帧完成时定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total  int
	done   int
	ok     int
	fail   int
	skip   int
	active []string

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	g := eff.Geometry
	fmt.Fprintf(p.w, "[%s] mandelmovie run\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigPath != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	}
	fmt.Fprintf(p.w, "  center: (%.16g, %.16g)\n", g.XCenter, g.YCenter)
	fmt.Fprintf(p.w, "  zoom: %g  scale: %g\n", g.ZoomFactor, g.InitialScale)
	fmt.Fprintf(p.w, "  frames: %d  size: %dx%d  max_iterations: %d\n", eff.Frames, eff.Width, eff.Height, eff.MaxIter)
	fmt.Fprintf(p.w, "  procs: %d  threads: %d  mode: %s\n", eff.Procs, eff.Threads, eff.Mode)
	fmt.Fprintf(p.w, "  image: %s%s  label: %s  skip_existing: %s\n",
		eff.Format, qualityNote(eff), onOff(eff.Label), onOff(eff.SkipExisting),
	)
	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  out: %s\n", eff.OutDir)
	fmt.Fprintf(p.w, "  gallery: %s\n", onOff(eff.Gallery))
	movie := "off"
	if eff.Build {
		movie = eff.Movie
		if !eff.Play {
			movie += " (不播放)"
		}
	}
	fmt.Fprintf(p.w, "  movie: %s\n", movie)
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "plan":
		p.total = intField(fields, "render")
		p.skip = intField(fields, "skipped")
		fmt.Fprintf(p.w, "规划: frames=%d render=%d skipped=%d procs=%d threads=%d pattern=%s (%s)\n\n",
			intField(fields, "frames"),
			p.total,
			p.skip,
			intField(fields, "procs"),
			intField(fields, "threads"),
			stringField(fields, "pattern"),
			formatShortDuration(dur),
		)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	case "render":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "\n渲染: rendered=%d skipped=%d failed=%d pending=%d (%s)\n",
			intField(fields, "rendered"),
			intField(fields, "skipped"),
			intField(fields, "failed"),
			intField(fields, "pending"),
			formatShortDuration(dur),
		)
	case "mux":
		movie := stringField(fields, "movie")
		if movie == "" {
			movie = "-"
		}
		fmt.Fprintf(p.w, "合成: status=%s movie=%s (%s)\n", stringField(fields, "status"), movie, formatShortDuration(dur))
	case "gallery":
		path := stringField(fields, "path")
		if path == "" {
			path = "失败（见日志）"
		}
		fmt.Fprintf(p.w, "图库: %s (%s)\n", path, formatShortDuration(dur))
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFrameDone(done, total int, res domain.FrameResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = done
	p.total = total
	p.active = removeString(p.active, res.File)

	switch res.Status {
	case domain.StatusRendered:
		p.ok++
		fmt.Fprintf(p.w, "[%d/%d] %s OK proc=%d (%s)\n",
			done, total, res.File, res.Proc, formatShortDuration(dur),
		)
	default:
		p.fail++
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL proc=%d %s: %s (%s)\n",
			done, total, res.File, res.Proc, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一帧完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

// OnProgress 只记录状态；真正的输出由 ticker 在长时间静默时补上。
func (p *progressUI) OnProgress(done, total, ok, fail, skip, active int, activeFrames []string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done, p.total, p.ok, p.fail, p.skip = done, total, ok, fail, skip
	p.active = append(p.active[:0], activeFrames...)
}

func (p *progressUI) startTickerLocked() {
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func (p *progressUI) printProgressLocked() {
	fmt.Fprintf(p.w, "进度: done=%d/%d ok=%d fail=%d skip=%d active=%d elapsed=%s%s\n",
		p.done, p.total, p.ok, p.fail, p.skip, len(p.active), formatElapsed(time.Since(p.startedAt)), activeNote(p.active),
	)
	p.lastPrinted = time.Now()
}

func activeNote(active []string) string {
	if len(active) == 0 {
		return ""
	}
	const max = 4
	if len(active) > max {
		return fmt.Sprintf(" [%s ...]", strings.Join(active[:max], " "))
	}
	return " [" + strings.Join(active, " ") + "]"
}

func removeString(xs []string, s string) []string {
	for i, x := range xs {
		if x == s {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}

func qualityNote(eff config.EffectiveConfig) string {
	if eff.Format != domain.FormatJPEG {
		return ""
	}
	return fmt.Sprintf(" (quality %d)", eff.Quality)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
