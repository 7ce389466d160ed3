package run

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/mandelmovie/internal/app/planner"
	"github.com/John-Robertt/mandelmovie/internal/app/worker"
	"github.com/John-Robertt/mandelmovie/internal/config"
	"github.com/John-Robertt/mandelmovie/internal/domain"
	"github.com/John-Robertt/mandelmovie/internal/gallery"
	"github.com/John-Robertt/mandelmovie/internal/infra/fsx"
	"github.com/John-Robertt/mandelmovie/internal/infra/imgx"
	"github.com/John-Robertt/mandelmovie/internal/infra/mux"
)

// Muxer 把帧序列合成影片并播放（外部协作方，可替换为桩）。
type Muxer interface {
	Build(ctx context.Context, dir, pattern, movie string) (string, error)
	Play(ctx context.Context, movie string) error
}

// Env 是 run 依赖的外部协作方。零值可用：按配置选择 Spawner，Muxer 使用 ffmpeg/ffplay。
type Env struct {
	Spawner Spawner
	Muxer   Muxer
}

// Execute 执行一次 run，并返回对外稳定的 RunReport。
// 帧级失败只影响该帧所在的 worker；worker 创建失败则整个 run 失败。
func Execute(ctx context.Context, eff config.EffectiveConfig, env Env) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, env, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
//
// 顺序（硬约束）：
// 1) 规划：条带分配 + skip_existing 过滤
// 2) 启动全部 worker；任一启动失败 => 取消其余 worker
// 3) 屏障：等待每一个已启动的 worker 退出
// 4) 屏障之后才做 mux（且仅当没有失败/缺失帧）与图库
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, env Env, obs Observer) domain.RunReport {
	started := time.Now().UTC()

	if obs != nil {
		obs.OnStart(eff)
	}

	spawner, mode := spawnerFor(eff, env)
	muxer := env.Muxer
	if muxer == nil {
		muxer = mux.Muxer{FFmpeg: eff.FFmpeg, FFplay: eff.FFplay}
	}

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		OutDir:    eff.OutDir,
		Geometry:  eff.Geometry,
		Width:     eff.Width,
		Height:    eff.Height,
		MaxIter:   eff.MaxIter,
		Procs:     eff.Procs,
		Threads:   eff.Threads,
		Mode:      mode,
		StartedAt: started,
		Mux:       domain.MuxResult{Status: domain.MuxStatusDisabled},
	}
	if eff.Build {
		rr.Mux.Status = domain.MuxStatusSkipped
	}
	fail := func(code, msg string) domain.RunReport {
		rr.ErrorCode, rr.ErrorMsg = code, msg
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	// 1) 规划
	planStarted := time.Now()
	ext, err := imgx.Ext(eff.Format)
	if err != nil {
		return fail(domain.ErrCodeConfigInvalid, err.Error())
	}
	spec := domain.RenderSpec{
		Geometry:  eff.Geometry,
		Width:     eff.Width,
		Height:    eff.Height,
		MaxIter:   eff.MaxIter,
		Threads:   eff.Threads,
		OutDir:    eff.OutDir,
		Prefix:    eff.Prefix,
		NameWidth: planner.NameWidth(eff.Frames),
		Format:    ext,
		Quality:   eff.Quality,
		Label:     eff.Label,
	}

	st, err := planner.ReadOutState(eff.OutDir, eff.Prefix, spec.NameWidth, ext)
	if err != nil {
		return fail(domain.ErrCodeIOFailed, fmt.Sprintf("读取输出目录失败：%v", err))
	}
	plan, err := planner.PlanRun(spec, eff.Procs, eff.Frames, st, eff.SkipExisting)
	if err != nil {
		return fail(domain.ErrCodeConfigInvalid, err.Error())
	}
	rr.Pattern = plan.Pattern

	tr := newTracker(obs, spec, plan)
	if obs != nil {
		obs.OnPhaseDone("plan", map[string]any{
			"frames":  eff.Frames,
			"procs":   eff.Procs,
			"threads": eff.Threads,
			"render":  tr.total,
			"skipped": len(plan.Skipped),
			"pattern": plan.Pattern,
		}, time.Since(planStarted))
	}

	// 2) 启动
	renderStarted := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handles := make([]Handle, 0, len(plan.Jobs))
	for _, job := range plan.Jobs {
		h, err := spawner.Spawn(runCtx, job, tr.sink(job.Proc))
		if err != nil {
			if !IsSpawnError(err) {
				err = &SpawnError{Proc: job.Proc, Err: err}
			}
			slog.Error("worker 启动失败，取消本次运行", "proc", job.Proc, "error", err)
			rr.ErrorCode = domain.ErrCodeSpawnFailed
			rr.ErrorMsg = err.Error()
			tr.workerError(job.Proc, err)
			cancel()
			break
		}
		handles = append(handles, h)
	}

	// 3) 屏障：无论成功失败，已启动的 worker 都必须被等待。
	for i, h := range handles {
		if err := h.Wait(); err != nil {
			proc := plan.Jobs[i].Proc
			slog.Debug("worker 返回错误", "proc", proc, "error", err)
			tr.workerError(proc, err)
		}
	}

	if n, err := fsx.RemoveStaleTemps(eff.OutDir); err != nil {
		slog.Warn("清理临时文件失败", "dir", eff.OutDir, "error", err)
	} else if n > 0 {
		slog.Debug("已清理临时文件", "dir", eff.OutDir, "count", n)
	}

	rr.Frames, rr.Workers = tr.results()
	rr.Finalize()
	if rr.ErrorCode == "" && ctx.Err() != nil {
		rr.ErrorCode = domain.ErrCodeCanceled
		rr.ErrorMsg = fmt.Sprintf("运行被取消：%v", ctx.Err())
	}
	if rr.ErrorCode == "" {
		// 没有发出 exited 就结束的 worker 视为崩溃，与启动失败同级。
		for _, w := range rr.Workers {
			if !w.Exited && w.Error != "" {
				rr.ErrorCode = domain.ErrCodeSpawnFailed
				rr.ErrorMsg = fmt.Sprintf("worker %d 崩溃：%s", w.Proc, w.Error)
				break
			}
		}
	}

	if obs != nil {
		obs.OnPhaseDone("render", map[string]any{
			"rendered": rr.Summary.Rendered,
			"skipped":  rr.Summary.Skipped,
			"failed":   rr.Summary.Failed,
			"pending":  rr.Summary.Pending,
		}, time.Since(renderStarted))
	}

	// 4) mux：只在屏障之后、且所有帧都在盘上时执行。
	if eff.Build {
		muxStarted := time.Now()
		rr.Mux = runMux(ctx, muxer, eff, rr)
		if obs != nil {
			obs.OnPhaseDone("mux", map[string]any{
				"status": rr.Mux.Status,
				"movie":  rr.Mux.Movie,
			}, time.Since(muxStarted))
		}
	}

	if eff.Gallery {
		galleryStarted := time.Now()
		path, err := gallery.Write(eff.OutDir, galleryPage(eff, rr))
		if err != nil {
			// 图库只是附带产物：失败不影响 run 结果。
			slog.Warn("生成图库失败", "error", err)
		} else {
			rr.Gallery = path
		}
		if obs != nil {
			obs.OnPhaseDone("gallery", map[string]any{"path": rr.Gallery}, time.Since(galleryStarted))
		}
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

// spawnerFor：显式注入优先；否则 procs=1 或 mode=inline 用 goroutine，其余用子进程。
func spawnerFor(eff config.EffectiveConfig, env Env) (Spawner, string) {
	if env.Spawner != nil {
		if _, ok := env.Spawner.(InlineSpawner); ok {
			return env.Spawner, config.ModeInline
		}
		return env.Spawner, eff.Mode
	}
	if eff.Procs <= 1 || eff.Mode == config.ModeInline {
		return InlineSpawner{}, config.ModeInline
	}
	return ProcessSpawner{}, config.ModeProcess
}

func runMux(ctx context.Context, m Muxer, eff config.EffectiveConfig, rr domain.RunReport) domain.MuxResult {
	res := domain.MuxResult{Status: domain.MuxStatusSkipped}
	if rr.ErrorCode != "" || rr.Summary.Failed > 0 || rr.Summary.Pending > 0 {
		res.ErrorMsg = "存在失败或缺失的帧，跳过合成"
		return res
	}

	movie, err := m.Build(ctx, eff.OutDir, rr.Pattern, eff.Movie)
	if err != nil {
		slog.Error("合成影片失败", "error", err)
		return domain.MuxResult{Status: domain.MuxStatusFailed, ErrorCode: domain.ErrCodeMuxFailed, ErrorMsg: err.Error()}
	}
	res = domain.MuxResult{Status: domain.MuxStatusBuilt, Movie: movie}
	slog.Info("影片已生成", "movie", movie)

	if !eff.Play {
		return res
	}
	if err := m.Play(ctx, movie); err != nil {
		slog.Error("播放影片失败", "error", err)
		res.Status = domain.MuxStatusFailed
		res.ErrorCode = domain.ErrCodeMuxFailed
		res.ErrorMsg = err.Error()
		return res
	}
	res.Status = domain.MuxStatusPlayed
	return res
}

func galleryPage(eff config.EffectiveConfig, rr domain.RunReport) gallery.Page {
	p := gallery.Page{
		Title: fmt.Sprintf("%s %s", eff.Prefix, rr.Pattern),
		Meta: []string{
			fmt.Sprintf("center: (%.16g, %.16g)", eff.Geometry.XCenter, eff.Geometry.YCenter),
			fmt.Sprintf("zoom: %g  scale: %g  max_iterations: %d", eff.Geometry.ZoomFactor, eff.Geometry.InitialScale, eff.MaxIter),
			fmt.Sprintf("frames: %d  rendered: %d  skipped: %d  failed: %d", rr.Summary.Total, rr.Summary.Rendered, rr.Summary.Skipped, rr.Summary.Failed),
			fmt.Sprintf("run: %s", rr.RunID),
		},
	}
	if rr.Mux.Movie != "" {
		p.Movie = filepath.Base(rr.Mux.Movie)
	}
	for _, f := range rr.Frames {
		if f.Status != domain.StatusRendered && f.Status != domain.StatusSkipped {
			continue
		}
		p.Items = append(p.Items, gallery.Item{
			Index:   f.Index,
			File:    f.File,
			Caption: fmt.Sprintf("%s  span %.3e", f.File, f.Bounds.Width()),
		})
	}
	return p
}

// tracker 汇总所有 worker 的事件（来自多个 goroutine）。
type tracker struct {
	mu      sync.Mutex
	obs     Observer
	started time.Time

	frames  map[int]*domain.FrameResult
	workers map[int]*domain.WorkerResult
	active  map[int]int // proc -> 正在渲染的帧
	begun   map[int]time.Time

	total, done, ok, fail, skip int
}

func newTracker(obs Observer, spec domain.RenderSpec, plan planner.RunPlan) *tracker {
	t := &tracker{
		obs:     obs,
		started: time.Now(),
		frames:  make(map[int]*domain.FrameResult, len(plan.Owner)),
		workers: make(map[int]*domain.WorkerResult, len(plan.Jobs)),
		active:  map[int]int{},
		begun:   map[int]time.Time{},
		skip:    len(plan.Skipped),
	}
	for _, job := range plan.Jobs {
		t.workers[job.Proc] = &domain.WorkerResult{Proc: job.Proc, Frames: append([]int{}, job.Frames...)}
		for _, j := range job.Frames {
			f := planner.Frame(spec, j)
			t.frames[j] = &domain.FrameResult{
				Index:  f.Index,
				Proc:   job.Proc,
				File:   f.Name,
				Status: domain.StatusPending,
				Bounds: f.Bounds,
			}
			t.total++
		}
	}
	for i := range plan.Skipped {
		s := plan.Skipped[i]
		t.frames[s.Index] = &s
	}
	return t
}

func (t *tracker) sink(proc int) worker.Sink {
	return worker.SinkFunc(func(ev domain.Event) error {
		t.handle(proc, ev)
		return nil
	})
}

// handle 以 sink 绑定的 proc 为准（不信任事件里的进程号）。
func (t *tracker) handle(proc int, ev domain.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case domain.EventSpawned:
		slog.Debug("worker 就绪", "proc", proc)
	case domain.EventExited:
		if w := t.workers[proc]; w != nil {
			w.Exited = true
			if ev.Err != "" && w.Error == "" {
				w.Error = ev.Err
			}
		}
		delete(t.active, proc)
	case domain.EventRendering:
		if !t.owns(proc, ev.Frame) {
			return
		}
		t.active[proc] = ev.Frame
		t.begun[ev.Frame] = time.Now()
		if t.obs != nil {
			t.obs.OnProgress(t.done, t.total, t.ok, t.fail, t.skip, len(t.active), t.activeNamesLocked(), time.Since(t.started))
		}
	case domain.EventStored, domain.EventFailed:
		if !t.owns(proc, ev.Frame) {
			return
		}
		f := t.frames[ev.Frame]
		if f.Status != domain.StatusPending {
			return
		}
		dur := time.Duration(ev.Nanos)
		if dur <= 0 {
			dur = time.Since(t.begun[ev.Frame])
		}
		f.Millis = dur.Milliseconds()
		if ev.Kind == domain.EventStored {
			f.Status = domain.StatusRendered
			if ev.Path != "" {
				f.File = filepath.Base(ev.Path)
			}
			t.ok++
		} else {
			f.Status = domain.StatusFailed
			f.ErrorCode = ev.Code
			if f.ErrorCode == "" {
				f.ErrorCode = domain.ErrCodeRenderFailed
			}
			f.ErrorMsg = ev.Err
			t.fail++
		}
		t.done++
		delete(t.active, proc)
		if t.obs != nil {
			t.obs.OnFrameDone(t.done, t.total, *f, dur)
		}
	default:
		slog.Warn("未知的 worker 事件", "proc", proc, "kind", ev.Kind)
	}
}

func (t *tracker) owns(proc, frame int) bool {
	f, ok := t.frames[frame]
	if !ok || f.Proc != proc {
		slog.Warn("忽略不属于该 worker 的帧事件", "proc", proc, "frame", frame)
		return false
	}
	return true
}

func (t *tracker) activeNamesLocked() []string {
	out := make([]string, 0, len(t.active))
	for _, j := range t.active {
		out = append(out, t.frames[j].File)
	}
	sort.Strings(out)
	return out
}

func (t *tracker) workerError(proc int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// exited 事件通常已经带了更具体的错误，保留先到的那个。
	if w := t.workers[proc]; w != nil && w.Error == "" {
		w.Error = err.Error()
	}
}

func (t *tracker) results() ([]domain.FrameResult, []domain.WorkerResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frames := make([]domain.FrameResult, 0, len(t.frames))
	for _, f := range t.frames {
		frames = append(frames, *f)
	}
	workers := make([]domain.WorkerResult, 0, len(t.workers))
	for _, w := range t.workers {
		workers = append(workers, *w)
	}
	return frames, workers
}
