package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/mandelmovie/internal/domain"
)

func TestProgressUI_FrameLines(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressUI(&buf)

	p.OnPhaseDone("plan", map[string]any{"frames": 3, "render": 2, "skipped": 1, "procs": 2, "threads": 1, "pattern": "mandel%03d.jpg"}, time.Millisecond)
	if !p.tickerStarted {
		t.Fatalf("有待渲染帧时应启动 keepalive")
	}
	p.OnProgress(0, 2, 0, 0, 1, 2, []string{"mandel000.jpg", "mandel002.jpg"}, time.Second)
	p.OnFrameDone(1, 2, domain.FrameResult{Index: 0, Proc: 0, File: "mandel000.jpg", Status: domain.StatusRendered}, 300*time.Millisecond)
	p.OnFrameDone(2, 2, domain.FrameResult{Index: 2, Proc: 0, File: "mandel002.jpg", Status: domain.StatusFailed, ErrorCode: domain.ErrCodeIOFailed, ErrorMsg: "磁盘已满"}, time.Second)

	out := buf.String()
	for _, want := range []string{
		"pattern=mandel%03d.jpg",
		"[1/2] mandel000.jpg OK proc=0 (0.3s)",
		"[2/2] mandel002.jpg FAIL proc=0 io_failed: 磁盘已满",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q：\n%s", want, out)
		}
	}
	if p.tickerStarted {
		t.Fatalf("最后一帧完成后应停止 keepalive")
	}
	if len(p.active) != 0 {
		t.Fatalf("完成的帧应从 active 中移除：%v", p.active)
	}
	if p.ok != 1 || p.fail != 1 || p.skip != 1 {
		t.Fatalf("计数不正确：ok=%d fail=%d skip=%d", p.ok, p.fail, p.skip)
	}
}

func TestProgressUI_RenderPhaseStopsTicker(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressUI(&buf)

	p.OnPhaseDone("plan", map[string]any{"render": 5}, 0)
	// worker 启动失败时不会有全部帧完成的回调，render 阶段结束必须兜底停止 ticker。
	p.OnPhaseDone("render", map[string]any{"rendered": 1, "pending": 4}, time.Second)
	if p.tickerStarted {
		t.Fatalf("render 阶段结束后应停止 keepalive")
	}
	if !strings.Contains(buf.String(), "rendered=1 skipped=0 failed=0 pending=4") {
		t.Fatalf("render 阶段输出不正确：%s", buf.String())
	}
}

func TestProgressUI_Keepalive(t *testing.T) {
	var buf syncBuffer
	p := newProgressUI(&buf)
	p.keepaliveThreshold = time.Millisecond
	p.tickerInterval = 5 * time.Millisecond

	p.OnPhaseDone("plan", map[string]any{"render": 1}, 0)
	p.OnProgress(0, 1, 0, 0, 0, 1, []string{"mandel000.jpg"}, 0)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "进度: done=0/1") {
		if time.Now().After(deadline) {
			t.Fatalf("长时间静默时应输出 keepalive：%q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(buf.String(), "[mandel000.jpg]") {
		t.Fatalf("keepalive 应列出正在渲染的帧：%q", buf.String())
	}

	p.mu.Lock()
	p.stopTickerLocked()
	p.mu.Unlock()
}

func TestActiveNote(t *testing.T) {
	if activeNote(nil) != "" {
		t.Fatalf("空列表不应输出")
	}
	got := activeNote([]string{"a", "b", "c", "d", "e"})
	if got != " [a b c d ...]" {
		t.Fatalf("超过 4 个应截断：%q", got)
	}
}

func TestFormatElapsed(t *testing.T) {
	if got := formatElapsed(3723 * time.Second); got != "01:02:03" {
		t.Fatalf("formatElapsed 不正确：%q", got)
	}
	if got := formatElapsed(-time.Second); got != "00:00:00" {
		t.Fatalf("负数应按 0 处理：%q", got)
	}
}

// syncBuffer 让 ticker goroutine 与测试 goroutine 可以并发读写输出。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
