package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/John-Robertt/mandelmovie/internal/app/worker"
	"github.com/John-Robertt/mandelmovie/internal/config"
	"github.com/John-Robertt/mandelmovie/internal/domain"
)

// helperEnv 让测试二进制自己充当 worker 子进程（ProcessSpawner 的端到端测试）。
const helperEnv = "MANDELMOVIE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := worker.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperSpawner() ProcessSpawner {
	return ProcessSpawner{
		Exe:    os.Args[0],
		Args:   []string{"-test.run=^$"},
		Env:    append(os.Environ(), helperEnv+"=1"),
		Stderr: io.Discard,
	}
}

func testConfig(dir string) config.EffectiveConfig {
	return config.EffectiveConfig{
		OutDir: dir,
		Geometry: domain.ZoomGeometry{
			XCenter:      config.DefaultXCenter,
			YCenter:      config.DefaultYCenter,
			ZoomFactor:   config.DefaultZoomFactor,
			InitialScale: config.DefaultInitialScale,
		},
		Frames:  4,
		Procs:   2,
		Threads: 2,
		MaxIter: 10,
		Width:   4,
		Height:  4,
		Format:  domain.FormatPNG,
		Quality: 90,
		Prefix:  "mandel",
		Mode:    config.ModeInline,
		Movie:   "mandel.mpg",
		Play:    true,
	}
}

type stubMuxer struct {
	mu      sync.Mutex
	built   []string
	played  []string
	onBuild func(dir, pattern string) error
	playErr error
}

func (m *stubMuxer) Build(ctx context.Context, dir, pattern, movie string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.built = append(m.built, pattern)
	if m.onBuild != nil {
		if err := m.onBuild(dir, pattern); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, movie), nil
}

func (m *stubMuxer) Play(ctx context.Context, movie string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.played = append(m.played, movie)
	return m.playErr
}

// failingSpawner 对指定进程返回启动失败，其余委托给 InlineSpawner。
type failingSpawner struct {
	failProc int

	mu      sync.Mutex
	spawned []int
}

func (s *failingSpawner) Spawn(ctx context.Context, job domain.Job, sink worker.Sink) (Handle, error) {
	if job.Proc == s.failProc {
		return nil, &SpawnError{Proc: job.Proc, Err: errors.New("resource temporarily unavailable")}
	}
	s.mu.Lock()
	s.spawned = append(s.spawned, job.Proc)
	s.mu.Unlock()
	return InlineSpawner{}.Spawn(ctx, job, sink)
}

// plainErrSpawner 返回未分类的错误（例如第三方 Spawner 实现）。
type plainErrSpawner struct{}

func (plainErrSpawner) Spawn(context.Context, domain.Job, worker.Sink) (Handle, error) {
	return nil, errors.New("fork: resource temporarily unavailable")
}

// crashSpawner 模拟一个在渲染中途崩溃的 worker：发出 rendering 后没有 exited 就返回错误。
type crashSpawner struct{}

type errHandle struct{ err error }

func (h errHandle) Wait() error { return h.err }

func (crashSpawner) Spawn(ctx context.Context, job domain.Job, sink worker.Sink) (Handle, error) {
	_ = sink.Emit(domain.Event{Kind: domain.EventSpawned, Proc: job.Proc, Frame: -1})
	if len(job.Frames) > 0 {
		_ = sink.Emit(domain.Event{Kind: domain.EventRendering, Proc: job.Proc, Frame: job.Frames[0]})
	}
	return errHandle{err: &ExitError{Proc: job.Proc, Err: errors.New("signal: segmentation fault")}}, nil
}

func readFrames(t *testing.T, dir string, n int) [][]byte {
	t.Helper()
	out := make([][]byte, n)
	for j := 0; j < n; j++ {
		b, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("mandel%03d.png", j)))
		if err != nil {
			t.Fatalf("读取第 %d 帧失败：%v", j, err)
		}
		out[j] = b
	}
	return out
}

func TestExecute_FourFramesTwoProcsTwoThreads(t *testing.T) {
	dir := t.TempDir()

	rr := Execute(context.Background(), testConfig(dir), Env{Spawner: InlineSpawner{}})

	if !rr.OK() {
		t.Fatalf("期望成功：%+v", rr)
	}
	if rr.Summary.Rendered != 4 || rr.Summary.Total != 4 {
		t.Fatalf("summary 不正确：%+v", rr.Summary)
	}
	if rr.Pattern != "mandel%03d.png" {
		t.Fatalf("pattern 不正确：%q", rr.Pattern)
	}
	if rr.RunID == "" {
		t.Fatalf("run_id 不应为空")
	}
	for j, f := range rr.Frames {
		if f.Index != j || f.Proc != j%2 || f.Status != domain.StatusRendered {
			t.Fatalf("第 %d 帧归属/状态不正确：%+v", j, f)
		}
		if f.File != fmt.Sprintf("mandel%03d.png", j) {
			t.Fatalf("文件名不正确：%+v", f)
		}
	}
	if len(rr.Workers) != 2 || !rr.Workers[0].Exited || !rr.Workers[1].Exited {
		t.Fatalf("两个 worker 都应退出：%+v", rr.Workers)
	}
	if fmt.Sprint(rr.Workers[0].Frames) != "[0 2]" || fmt.Sprint(rr.Workers[1].Frames) != "[1 3]" {
		t.Fatalf("条带分配不正确：%+v", rr.Workers)
	}
	if rr.Mux.Status != domain.MuxStatusDisabled {
		t.Fatalf("未开启 build 时 mux 应为 disabled：%+v", rr.Mux)
	}
	readFrames(t, dir, 4)
}

func TestExecute_SingleWorkerBitIdenticalToMulti(t *testing.T) {
	single, multi := t.TempDir(), t.TempDir()

	c1 := testConfig(single)
	c1.Procs, c1.Threads = 1, 1
	c1.Width, c1.Height, c1.MaxIter = 23, 17, 60
	if rr := Execute(context.Background(), c1, Env{}); !rr.OK() {
		t.Fatalf("单 worker 运行失败：%+v", rr)
	}

	c2 := c1
	c2.OutDir = multi
	c2.Procs, c2.Threads = 3, 5
	if rr := Execute(context.Background(), c2, Env{Spawner: InlineSpawner{}}); !rr.OK() {
		t.Fatalf("多 worker 运行失败：%+v", rr)
	}

	a, b := readFrames(t, single, 4), readFrames(t, multi, 4)
	for j := range a {
		if !bytes.Equal(a[j], b[j]) {
			t.Fatalf("第 %d 帧与单 worker 输出不一致", j)
		}
	}
}

func TestExecute_ProcessSpawnerMatchesInline(t *testing.T) {
	inline, proc := t.TempDir(), t.TempDir()

	if rr := Execute(context.Background(), testConfig(inline), Env{Spawner: InlineSpawner{}}); !rr.OK() {
		t.Fatalf("inline 运行失败：%+v", rr)
	}

	cfg := testConfig(proc)
	cfg.Mode = config.ModeProcess
	rr := Execute(context.Background(), cfg, Env{Spawner: helperSpawner()})
	if !rr.OK() {
		t.Fatalf("process 运行失败：%+v", rr)
	}
	if rr.Mode != config.ModeProcess {
		t.Fatalf("mode 不正确：%q", rr.Mode)
	}
	for _, w := range rr.Workers {
		if !w.Exited || w.Error != "" {
			t.Fatalf("worker 状态不正确：%+v", w)
		}
	}

	a, b := readFrames(t, inline, 4), readFrames(t, proc, 4)
	for j := range a {
		if !bytes.Equal(a[j], b[j]) {
			t.Fatalf("第 %d 帧：子进程输出与 inline 不一致", j)
		}
	}
}

func TestExecute_SpawnFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Build = true

	sp := &failingSpawner{failProc: 1}
	m := &stubMuxer{}
	rr := Execute(context.Background(), cfg, Env{Spawner: sp, Muxer: m})

	if rr.ErrorCode != domain.ErrCodeSpawnFailed {
		t.Fatalf("期望 spawn_failed，实际 %+v", rr)
	}
	if rr.OK() {
		t.Fatalf("spawn 失败时 OK() 应为 false")
	}
	if len(sp.spawned) != 1 || sp.spawned[0] != 0 {
		t.Fatalf("只有进程 0 应被启动：%v", sp.spawned)
	}
	// 屏障：已启动的进程 0 必须被等待到 exited。
	if !rr.Workers[0].Exited {
		t.Fatalf("已启动的 worker 应被等待：%+v", rr.Workers[0])
	}
	if rr.Workers[1].Exited || rr.Workers[1].Error == "" {
		t.Fatalf("未启动的 worker 应记录错误：%+v", rr.Workers[1])
	}
	for _, f := range rr.Frames {
		if f.Proc == 1 && f.Status != domain.StatusPending {
			t.Fatalf("未启动进程的帧应保持 pending：%+v", f)
		}
	}
	if len(m.built) != 0 || rr.Mux.Status != domain.MuxStatusSkipped {
		t.Fatalf("spawn 失败时不应合成影片：built=%v mux=%+v", m.built, rr.Mux)
	}
}

func TestExecute_SpawnErrorIsClassified(t *testing.T) {
	rr := Execute(context.Background(), testConfig(t.TempDir()), Env{Spawner: plainErrSpawner{}})

	if rr.ErrorCode != domain.ErrCodeSpawnFailed {
		t.Fatalf("期望 spawn_failed：%+v", rr)
	}
	if !strings.Contains(rr.ErrorMsg, "启动 worker 0 失败") || !strings.Contains(rr.Workers[0].Error, "resource temporarily unavailable") {
		t.Fatalf("启动错误应带进程号与原因：msg=%q worker=%+v", rr.ErrorMsg, rr.Workers[0])
	}
}

func TestIsSpawnError(t *testing.T) {
	err := fmt.Errorf("包装：%w", &SpawnError{Proc: 3, Err: errors.New("x")})
	if !IsSpawnError(err) {
		t.Fatalf("包装后的 SpawnError 应被识别")
	}
	if IsSpawnError(&ExitError{Proc: 3, Err: errors.New("x")}) || IsSpawnError(nil) {
		t.Fatalf("ExitError/nil 不是启动错误")
	}
}

func TestExecute_WorkerCrashIsFatal(t *testing.T) {
	rr := Execute(context.Background(), testConfig(t.TempDir()), Env{Spawner: crashSpawner{}})

	if rr.ErrorCode != domain.ErrCodeSpawnFailed {
		t.Fatalf("崩溃的 worker 应导致 spawn_failed：%+v", rr)
	}
	if rr.Summary.Pending != 4 {
		t.Fatalf("崩溃 worker 的帧应保持 pending：%+v", rr.Summary)
	}
	for _, w := range rr.Workers {
		if w.Exited || w.Error == "" {
			t.Fatalf("worker 状态不正确：%+v", w)
		}
	}
}

func TestExecute_ProcessSpawnerMissingBinary(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Mode = config.ModeProcess

	rr := Execute(context.Background(), cfg, Env{Spawner: ProcessSpawner{Exe: filepath.Join(t.TempDir(), "no-such-binary")}})
	if rr.ErrorCode != domain.ErrCodeSpawnFailed {
		t.Fatalf("期望 spawn_failed，实际 %+v", rr)
	}
}

func TestExecute_MuxRunsAfterBarrier(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Build = true

	m := &stubMuxer{onBuild: func(dir, pattern string) error {
		// 合成时所有帧都必须已经在盘上。
		for j := 0; j < 4; j++ {
			if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("mandel%03d.png", j))); err != nil {
				return fmt.Errorf("合成时帧 %d 不存在：%w", j, err)
			}
		}
		return nil
	}}

	rr := Execute(context.Background(), cfg, Env{Spawner: InlineSpawner{}, Muxer: m})
	if rr.Mux.Status != domain.MuxStatusPlayed {
		t.Fatalf("期望 played，实际 %+v", rr.Mux)
	}
	if rr.Mux.Movie != filepath.Join(dir, "mandel.mpg") {
		t.Fatalf("movie 路径不正确：%q", rr.Mux.Movie)
	}
	if len(m.built) != 1 || m.built[0] != "mandel%03d.png" {
		t.Fatalf("muxer 收到的 pattern 不正确：%v", m.built)
	}
	if len(m.played) != 1 {
		t.Fatalf("期望播放 1 次：%v", m.played)
	}
}

func TestExecute_MuxFailureReported(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Build = true
	cfg.Play = false

	m := &stubMuxer{onBuild: func(string, string) error { return errors.New("ffmpeg: not found") }}
	rr := Execute(context.Background(), cfg, Env{Spawner: InlineSpawner{}, Muxer: m})

	if rr.Mux.Status != domain.MuxStatusFailed || rr.Mux.ErrorCode != domain.ErrCodeMuxFailed {
		t.Fatalf("mux 失败应被报告：%+v", rr.Mux)
	}
	if rr.Summary.Rendered != 4 {
		t.Fatalf("mux 失败不应影响帧：%+v", rr.Summary)
	}
	if rr.OK() {
		t.Fatalf("mux 失败时 OK() 应为 false")
	}
}

func TestExecute_FrameFailureStopsWorkerAndSkipsMux(t *testing.T) {
	dir := t.TempDir()
	// 目标路径被目录占用：第 2 帧写盘必然失败。
	if err := os.MkdirAll(filepath.Join(dir, "mandel002.png"), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	cfg := testConfig(dir)
	cfg.Build = true
	cfg.Frames = 6

	m := &stubMuxer{}
	rr := Execute(context.Background(), cfg, Env{Spawner: InlineSpawner{}, Muxer: m})

	byIndex := map[int]domain.FrameResult{}
	for _, f := range rr.Frames {
		byIndex[f.Index] = f
	}
	if byIndex[0].Status != domain.StatusRendered {
		t.Fatalf("第 0 帧应成功：%+v", byIndex[0])
	}
	if byIndex[2].Status != domain.StatusFailed || byIndex[2].ErrorCode != domain.ErrCodeIOFailed {
		t.Fatalf("第 2 帧应 io_failed：%+v", byIndex[2])
	}
	if byIndex[4].Status != domain.StatusPending {
		t.Fatalf("失败后进程 0 不应继续（第 4 帧应为 pending）：%+v", byIndex[4])
	}
	for _, j := range []int{1, 3, 5} {
		if byIndex[j].Status != domain.StatusRendered {
			t.Fatalf("进程 1 的帧不受影响：%+v", byIndex[j])
		}
	}
	if rr.Workers[0].Error == "" {
		t.Fatalf("失败的 worker 应记录错误：%+v", rr.Workers[0])
	}
	if len(m.built) != 0 || rr.Mux.Status != domain.MuxStatusSkipped {
		t.Fatalf("有失败帧时不应合成：%+v", rr.Mux)
	}
	if rr.ErrorCode != "" {
		t.Fatalf("帧级失败不应设置 run 级错误：%q", rr.ErrorCode)
	}
}

func TestExecute_SkipExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mandel001.png")
	if err := os.WriteFile(existing, []byte("keep"), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
	cfg := testConfig(dir)
	cfg.SkipExisting = true

	rr := Execute(context.Background(), cfg, Env{Spawner: InlineSpawner{}})
	if !rr.OK() || rr.Summary.Skipped != 1 || rr.Summary.Rendered != 3 {
		t.Fatalf("summary 不正确：%+v", rr.Summary)
	}
	if f := rr.Frames[1]; f.Status != domain.StatusSkipped || f.Proc != 1 {
		t.Fatalf("第 1 帧应被跳过且归属不变：%+v", f)
	}
	b, _ := os.ReadFile(existing)
	if string(b) != "keep" {
		t.Fatalf("已存在的帧不应被覆盖")
	}
}

func TestExecute_SkipExistingIgnoresOtherWidths(t *testing.T) {
	dir := t.TempDir()
	// 宽度不符的旧文件不在 mandel%03d.png 序列上，不能让对应帧被跳过。
	for _, name := range []string{"mandel2.png", "mandel0003.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o644); err != nil {
			t.Fatalf("写文件失败：%v", err)
		}
	}
	cfg := testConfig(dir)
	cfg.SkipExisting = true
	cfg.Build = true

	m := &stubMuxer{}
	rr := Execute(context.Background(), cfg, Env{Spawner: InlineSpawner{}, Muxer: m})
	if !rr.OK() || rr.Summary.Skipped != 0 || rr.Summary.Rendered != 4 {
		t.Fatalf("所有帧都应重新渲染：%+v", rr.Summary)
	}
	for _, j := range []int{2, 3} {
		if f := rr.Frames[j]; f.Status != domain.StatusRendered || f.File != fmt.Sprintf("mandel%03d.png", j) {
			t.Fatalf("第 %d 帧不正确：%+v", j, f)
		}
	}
	// 合成读取的序列必须完整。
	readFrames(t, dir, 4)
	if len(m.built) != 1 {
		t.Fatalf("序列完整时应合成一次：%v", m.built)
	}
}

func TestExecute_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr := Execute(ctx, testConfig(t.TempDir()), Env{Spawner: InlineSpawner{}})
	if rr.ErrorCode != domain.ErrCodeCanceled {
		t.Fatalf("期望 canceled，实际 %+v", rr)
	}
	for _, f := range rr.Frames {
		if f.Status == domain.StatusRendered {
			t.Fatalf("取消后不应有帧被渲染：%+v", f)
		}
	}
}

func TestExecute_Gallery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Gallery = true

	rr := Execute(context.Background(), cfg, Env{Spawner: InlineSpawner{}})
	if rr.Gallery != filepath.Join(dir, "index.html") {
		t.Fatalf("gallery 路径不正确：%q", rr.Gallery)
	}
	b, err := os.ReadFile(rr.Gallery)
	if err != nil {
		t.Fatalf("读取 index.html 失败：%v", err)
	}
	for j := 0; j < 4; j++ {
		if !bytes.Contains(b, []byte(fmt.Sprintf(`src="mandel%03d.png"`, j))) {
			t.Fatalf("图库缺少第 %d 帧", j)
		}
	}
}

func TestSpawnerFor(t *testing.T) {
	cfg := testConfig("")
	cfg.Mode = config.ModeProcess

	if _, mode := spawnerFor(cfg, Env{}); mode != config.ModeProcess {
		t.Fatalf("procs>1 且 mode=process 应使用子进程：%q", mode)
	}
	cfg.Procs = 1
	if _, mode := spawnerFor(cfg, Env{}); mode != config.ModeInline {
		t.Fatalf("procs=1 应使用 inline：%q", mode)
	}
}
