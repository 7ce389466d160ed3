package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/John-Robertt/mandelmovie/internal/domain"
)

// 编排进程与 worker 子进程之间的线路格式：
//
//	stdin : 一个 CBOR 编码的 domain.Job（写完即关闭）
//	stdout: 连续的 CBOR 编码 domain.Event，直到 exited 或进程退出
//	stderr: worker 的日志，原样转发
//
// CBOR 自带长度信息，不需要额外的分帧。

// WriteJob 把 job 编码到 w。
func WriteJob(w io.Writer, job domain.Job) error {
	if err := cbor.NewEncoder(w).Encode(job); err != nil {
		return fmt.Errorf("编码任务失败：%w", err)
	}
	return nil
}

// ReadJob 从 r 解码一个 job。
func ReadJob(r io.Reader) (domain.Job, error) {
	var job domain.Job
	if err := cbor.NewDecoder(r).Decode(&job); err != nil {
		return domain.Job{}, fmt.Errorf("解码任务失败：%w", err)
	}
	return job, nil
}

// EventWriter 把事件逐条编码到 w（并发安全）。
type EventWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{enc: cbor.NewEncoder(w)}
}

func (w *EventWriter) Emit(ev domain.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

// ReadEvents 持续解码事件并交给 fn，直到流结束（io.EOF 返回 nil）。
// fn 返回错误时立即停止并返回该错误。
func ReadEvents(r io.Reader, fn func(ev domain.Event) error) error {
	dec := cbor.NewDecoder(r)
	for {
		var ev domain.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("解码事件失败：%w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Serve 是 `mandelmovie worker` 子命令的主体：从 in 读任务，事件写到 out。
func Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	job, err := ReadJob(in)
	if err != nil {
		return err
	}
	return Run(ctx, job, NewEventWriter(out))
}
