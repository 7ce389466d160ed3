package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/John-Robertt/mandelmovie/internal/app/worker"
	"github.com/John-Robertt/mandelmovie/internal/domain"
)

// Handle 是一个已启动的 worker；Wait 阻塞到它退出。
type Handle interface {
	Wait() error
}

// Spawner 启动一个 worker（进程或 goroutine）。
//
// 约束：
// - Spawn 返回错误表示 worker 没有启动（此时不会有任何事件）
// - Spawn 成功后，sink 会按 worker 的状态机顺序收到事件，最后是 exited
// - ctx 取消后 worker 应尽快退出；Wait 仍必须被调用
type Spawner interface {
	Spawn(ctx context.Context, job domain.Job, sink worker.Sink) (Handle, error)
}

// SpawnError 表示 worker 创建失败（进程创建/管道建立/任务编码）。
type SpawnError struct {
	Proc int
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("启动 worker %d 失败：%v", e.Proc, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError 表示 worker 非正常退出（非零退出码、崩溃、事件流损坏）。
type ExitError struct {
	Proc int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker %d 异常退出：%v", e.Proc, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// InlineSpawner 在当前进程的 goroutine 中运行 worker（procs=1、mode=inline、测试）。
type InlineSpawner struct{}

type inlineHandle struct {
	done chan struct{}
	err  error
}

func (h *inlineHandle) Wait() error {
	<-h.done
	return h.err
}

func (InlineSpawner) Spawn(ctx context.Context, job domain.Job, sink worker.Sink) (Handle, error) {
	h := &inlineHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			// 与子进程崩溃对齐：panic 只让这个 worker 失败，不拖垮编排进程。
			if r := recover(); r != nil {
				h.err = &ExitError{Proc: job.Proc, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		if err := worker.Run(ctx, job, sink); err != nil {
			h.err = &ExitError{Proc: job.Proc, Err: err}
		}
	}()
	return h, nil
}

// ProcessSpawner 重新执行当前程序的 worker 子命令，每个 worker 一个独立进程。
//
// 线路：job 以 CBOR 写入子进程 stdin；子进程 stdout 是 CBOR 事件流；stderr 原样转发。
type ProcessSpawner struct {
	Exe    string    // 空表示 os.Executable()
	Args   []string  // 空表示 ["worker"]
	Env    []string  // 空表示继承当前环境
	Stderr io.Writer // 空表示 os.Stderr

	// WaitDelay 是 ctx 取消后等待子进程退出、以及等待 stdio 关闭的上限。
	WaitDelay time.Duration
}

type procHandle struct {
	proc   int
	cmd    *exec.Cmd
	stream chan error
}

func (s ProcessSpawner) Spawn(ctx context.Context, job domain.Job, sink worker.Sink) (Handle, error) {
	exe := s.Exe
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, &SpawnError{Proc: job.Proc, Err: err}
		}
		exe = p
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	var in bytes.Buffer
	if err := worker.WriteJob(&in, job); err != nil {
		return nil, &SpawnError{Proc: job.Proc, Err: err}
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdin = &in
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Proc: job.Proc, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Proc: job.Proc, Err: err}
	}
	slog.Debug("worker 进程已启动", "proc", job.Proc, "pid", cmd.Process.Pid, "frames", len(job.Frames))

	h := &procHandle{proc: job.Proc, cmd: cmd, stream: make(chan error, 1)}
	go func() {
		err := worker.ReadEvents(stdout, sink.Emit)
		if err != nil {
			// 不再消费事件也要把管道读空，否则子进程可能阻塞在写 stdout 上。
			_, _ = io.Copy(io.Discard, stdout)
		}
		h.stream <- err
	}()
	return h, nil
}

// Wait 先读完事件流，再回收进程（exec.Cmd 要求在 Wait 之前读完 StdoutPipe）。
func (h *procHandle) Wait() error {
	streamErr := <-h.stream
	waitErr := h.cmd.Wait()

	if waitErr != nil {
		slog.Debug("worker 进程退出", "proc", h.proc, "error", waitErr)
		return &ExitError{Proc: h.proc, Err: waitErr}
	}
	if streamErr != nil {
		return &ExitError{Proc: h.proc, Err: streamErr}
	}
	return nil
}

// IsSpawnError 判断 err 是否为 worker 创建失败。
func IsSpawnError(err error) bool {
	var e *SpawnError
	return errors.As(err, &e)
}
