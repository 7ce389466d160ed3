// Package worker 实现单个 worker 进程的帧循环：按递增顺序逐帧渲染、编码、落盘。
//
// 同一份代码既跑在子进程里（经 CBOR 与编排进程通信），也能直接跑在 goroutine 里。
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/John-Robertt/mandelmovie/internal/app/planner"
	"github.com/John-Robertt/mandelmovie/internal/domain"
	"github.com/John-Robertt/mandelmovie/internal/infra/fsx"
	"github.com/John-Robertt/mandelmovie/internal/infra/imgx"
	"github.com/John-Robertt/mandelmovie/internal/raster"
	"github.com/John-Robertt/mandelmovie/internal/render"
)

// Sink 接收 worker 的进度事件。实现需要自己处理并发（同一 worker 只会串行调用）。
type Sink interface {
	Emit(ev domain.Event) error
}

// SinkFunc 让普通函数满足 Sink。
type SinkFunc func(ev domain.Event) error

func (f SinkFunc) Emit(ev domain.Event) error { return f(ev) }

// FrameError 表示某一帧失败；worker 在第一个失败帧处停止（不重试）。
type FrameError struct {
	Proc  int
	Frame int
	Code  string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("进程 %d 第 %d 帧失败（%s）：%v", e.Proc, e.Frame, e.Code, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Run 按 job.Frames 的顺序处理每一帧，状态机为：
//
//	SPAWNED -> RENDERING(j) -> STORED(j) -> ... -> EXITED
//
// 约束：
// - 每帧的缓冲区在写盘后即丢弃，任意时刻最多只有一帧驻留内存
// - 渲染或写盘失败：发出 failed 事件并立即结束（返回 *FrameError）
// - ctx 取消：不再开始新帧，当前帧以 canceled 失败
// - 无论成功失败，最后一定发出 exited
func Run(ctx context.Context, job domain.Job, sink Sink) (err error) {
	emit := func(ev domain.Event) {
		ev.Proc = job.Proc
		if e := sink.Emit(ev); e != nil && err == nil {
			// 事件通道断开时无法再汇报进度，继续渲染也没有意义。
			err = fmt.Errorf("上报事件失败：%w", e)
		}
	}

	emit(domain.Event{Kind: domain.EventSpawned, Frame: -1})
	defer func() {
		ev := domain.Event{Kind: domain.EventExited, Proc: job.Proc, Frame: -1}
		if err != nil {
			ev.Err = err.Error()
		}
		_ = sink.Emit(ev)
	}()
	if err != nil {
		return err
	}

	if err := validate(job); err != nil {
		return err
	}

	for _, j := range job.Frames {
		emit(domain.Event{Kind: domain.EventRendering, Frame: j})
		if err != nil {
			return err
		}

		start := time.Now()
		path, ferr := renderOne(ctx, job.Proc, j, job.Spec)
		if ferr != nil {
			var fe *FrameError
			code := domain.ErrCodeRenderFailed
			if errors.As(ferr, &fe) {
				code = fe.Code
			}
			emit(domain.Event{Kind: domain.EventFailed, Frame: j, Code: code, Err: ferr.Error(), Nanos: time.Since(start).Nanoseconds()})
			return ferr
		}

		slog.Debug("帧已写入", "proc", job.Proc, "frame", j, "file", filepath.Base(path), "elapsed", time.Since(start))
		emit(domain.Event{Kind: domain.EventStored, Frame: j, Path: path, Nanos: time.Since(start).Nanoseconds()})
		if err != nil {
			return err
		}
	}
	return nil
}

func renderOne(ctx context.Context, proc, j int, spec domain.RenderSpec) (string, error) {
	fail := func(code string, err error) error {
		return &FrameError{Proc: proc, Frame: j, Code: code, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return "", fail(domain.ErrCodeCanceled, err)
	}

	ext, err := imgx.Ext(spec.Format)
	if err != nil {
		return "", fail(domain.ErrCodeIOFailed, err)
	}
	spec.Format = ext
	f := planner.Frame(spec, j)

	buf, err := raster.New(spec.Width, spec.Height)
	if err != nil {
		return "", fail(domain.ErrCodeRenderFailed, err)
	}
	if err := render.Frame(ctx, buf, f.Bounds, spec.MaxIter, spec.Threads); err != nil {
		if render.IsCanceled(err) {
			return "", fail(domain.ErrCodeCanceled, err)
		}
		return "", fail(domain.ErrCodeRenderFailed, err)
	}

	img := buf.Image()
	if spec.Label {
		imgx.Label(img, LabelText(j, spec.NameWidth, f.Bounds))
	}

	err = fsx.WriteAtomic(spec.OutDir, f.Name, func(w io.Writer) error {
		return imgx.Encode(w, img, ext, spec.Quality)
	})
	if err != nil {
		return "", fail(domain.ErrCodeIOFailed, fmt.Errorf("写入 %s 失败：%w", f.Name, err))
	}
	return filepath.Join(spec.OutDir, f.Name), nil
}

// LabelText 是 --label 叠加在帧左上角的文字：帧号与当前水平跨度。
func LabelText(j, width int, b domain.Bounds) string {
	return fmt.Sprintf("#%0*d  span %.3e", width, j, b.Width())
}

func validate(job domain.Job) error {
	s := job.Spec
	switch {
	case s.Width <= 0 || s.Height <= 0:
		return fmt.Errorf("非法的画布尺寸：%dx%d", s.Width, s.Height)
	case s.MaxIter <= 0:
		return fmt.Errorf("非法的最大迭代次数：%d", s.MaxIter)
	case s.Threads <= 0:
		return fmt.Errorf("非法的线程数：%d", s.Threads)
	case s.OutDir == "":
		return errors.New("输出目录为空")
	case s.NameWidth <= 0:
		return fmt.Errorf("非法的文件名宽度：%d", s.NameWidth)
	}
	prev := -1
	for _, j := range job.Frames {
		if j <= prev {
			return fmt.Errorf("帧下标必须严格递增：%v", job.Frames)
		}
		prev = j
	}
	return nil
}
