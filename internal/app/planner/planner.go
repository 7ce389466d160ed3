package planner

import (
	"fmt"
	"strconv"

	"github.com/John-Robertt/mandelmovie/internal/domain"
	"github.com/John-Robertt/mandelmovie/internal/scan"
	"github.com/John-Robertt/mandelmovie/internal/zoom"
)

// MinNameWidth 是帧下标补零的最小宽度（对应 mandel%03d）。
const MinNameWidth = 3

// Stripe 返回进程 i（共 nProcs 个）负责的帧下标：{i, i+n, i+2n, ...} ∩ [0, nFrames)。
// 结果递增；nProcs > nFrames 时多出的进程得到空切片。
func Stripe(i, nProcs, nFrames int) []int {
	if nProcs <= 0 || i < 0 || i >= nProcs || nFrames <= 0 {
		return []int{}
	}
	out := make([]int, 0, (nFrames-i+nProcs-1)/nProcs)
	for j := i; j < nFrames; j += nProcs {
		out = append(out, j)
	}
	return out
}

// Plan 返回全部进程的条带分配：结果下标即进程号。
// 所有分配的并集恰好是 [0, nFrames)，且两两不相交。
func Plan(nProcs, nFrames int) [][]int {
	if nProcs <= 0 {
		return nil
	}
	out := make([][]int, nProcs)
	for i := range out {
		out[i] = Stripe(i, nProcs, nFrames)
	}
	return out
}

// NameWidth = max(3, 最大帧下标的十进制位数)。
func NameWidth(nFrames int) int {
	if nFrames <= 1 {
		return MinNameWidth
	}
	w := len(strconv.Itoa(nFrames - 1))
	if w < MinNameWidth {
		return MinNameWidth
	}
	return w
}

// FrameName 生成 <prefix><j 补零到 width 位>.<ext>，例如 mandel007.jpg。
func FrameName(prefix string, j, width int, ext string) string {
	return fmt.Sprintf("%s%0*d.%s", prefix, width, j, ext)
}

// Frame 给出帧 j 在本次运行中的文件名与坐标范围（编排进程与 worker 用同一算法）。
func Frame(spec domain.RenderSpec, j int) domain.Frame {
	return domain.Frame{
		Index:  j,
		Name:   FrameName(spec.Prefix, j, spec.NameWidth, spec.Format),
		Bounds: zoom.FrameBounds(j, spec.Geometry, spec.Width, spec.Height),
	}
}

// Pattern 生成与 FrameName 对应的 printf 风格模式（交给 muxer），例如 mandel%03d.jpg。
func Pattern(prefix string, width int, ext string) string {
	return fmt.Sprintf("%s%%0%dd.%s", prefix, width, ext)
}

// ReadOutState 读取输出目录中已有的帧文件（只做 ReadDir/stat，不读内容）。
// 只有文件名与 FrameName(prefix, j, width, ext) 完全一致的文件才算帧 j 已存在：
// muxer 按单一模式读取序列，宽度不同的旧文件不能填补本次序列。
// 若目录不存在，返回空状态且不报错。
func ReadOutState(outDir, prefix string, width int, ext string) (domain.OutState, error) {
	st := domain.OutState{OutDir: outDir, Existing: map[int]domain.FrameFile{}}

	files, err := scan.ScanFrames(outDir, prefix, width, ext)
	if err != nil {
		return domain.OutState{}, err
	}
	for _, f := range files {
		if f.Name != FrameName(prefix, f.Index, width, ext) {
			continue
		}
		st.Existing[f.Index] = f
	}
	return st, nil
}

// RunPlan 是一次 run 的确定性执行计划（不做任何写入）。
type RunPlan struct {
	Pattern string
	Jobs    []domain.Job         // 下标即进程号；每个进程都会被启动，即使没有帧
	Skipped []domain.FrameResult // skip_existing 命中的帧
	Owner   map[int]int          // 帧下标 -> 进程号（过滤之前计算）
}

// PlanRun 先按条带计算归属，再（可选）过滤掉已存在的帧。
//
// 归属在过滤前确定：跳过某帧不会让其它帧换进程。
func PlanRun(spec domain.RenderSpec, nProcs, nFrames int, st domain.OutState, skipExisting bool) (RunPlan, error) {
	if nProcs <= 0 {
		return RunPlan{}, fmt.Errorf("非法的进程数：%d", nProcs)
	}
	if nFrames <= 0 {
		return RunPlan{}, fmt.Errorf("非法的帧数：%d", nFrames)
	}

	p := RunPlan{
		Pattern: Pattern(spec.Prefix, spec.NameWidth, spec.Format),
		Jobs:    make([]domain.Job, 0, nProcs),
		Owner:   make(map[int]int, nFrames),
	}

	for i, frames := range Plan(nProcs, nFrames) {
		keep := make([]int, 0, len(frames))
		for _, j := range frames {
			p.Owner[j] = i
			if skipExisting && st.Has(j) {
				f := Frame(spec, j)
				p.Skipped = append(p.Skipped, domain.FrameResult{
					Index:  f.Index,
					Proc:   i,
					File:   f.Name,
					Status: domain.StatusSkipped,
					Bounds: f.Bounds,
				})
				continue
			}
			keep = append(keep, j)
		}
		p.Jobs = append(p.Jobs, domain.Job{Proc: i, NProcs: nProcs, Frames: keep, Spec: spec})
	}
	return p, nil
}
