// Package mux 调用外部 ffmpeg/ffplay，把帧序列合成为影片并播放。
//
// 两者都是可选协作方：失败只影响 mux 结果，从不修改已生成的帧。
package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	DefaultFFmpeg = "ffmpeg"
	DefaultFFplay = "ffplay"
)

// ErrNoMovie 表示 Build 没有给出影片文件名（默认名由配置层决定）。
var ErrNoMovie = errors.New("mux: 影片文件名为空")

// Error 描述一次外部工具调用失败。Output 是截断后的合并输出（stdout+stderr）。
type Error struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s 执行失败：%v", e.Tool, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Muxer 的零值可用：使用 PATH 中的 ffmpeg/ffplay。
type Muxer struct {
	FFmpeg string
	FFplay string
}

// Build 在 dir 中执行 `ffmpeg -y -i <pattern> <movie>`，返回影片的绝对路径。
//
// pattern 是 printf 风格的帧模式（例如 mandel%03d.jpg），必须与帧文件名逐位一致。
func (m Muxer) Build(ctx context.Context, dir, pattern, movie string) (string, error) {
	if strings.TrimSpace(movie) == "" {
		return "", ErrNoMovie
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", pattern, movie}
	if err := m.run(ctx, dir, or(m.FFmpeg, DefaultFFmpeg), args); err != nil {
		return "", err
	}
	return filepath.Join(dir, movie), nil
}

// Play 用 ffplay 播放影片，阻塞到播放器退出。
func (m Muxer) Play(ctx context.Context, movie string) error {
	args := []string{"-autoexit", "-loglevel", "error", movie}
	return m.run(ctx, filepath.Dir(movie), or(m.FFplay, DefaultFFplay), args)
}

func (m Muxer) run(ctx context.Context, dir, tool string, args []string) error {
	path, err := exec.LookPath(tool)
	if err != nil {
		return &Error{Tool: tool, Args: args, Err: err}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return &Error{Tool: tool, Args: args, Output: tail(out, 2048), Err: err}
	}
	return nil
}

func or(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// tail 只保留输出的最后 n 字节（ffmpeg 的有效报错通常在最后）。
func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
