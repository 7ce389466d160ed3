// Package render 把一帧按行区间切分给多个 goroutine 并行计算。
package render

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/mandelmovie/internal/domain"
	"github.com/John-Robertt/mandelmovie/internal/escape"
	"github.com/John-Robertt/mandelmovie/internal/raster"
	"github.com/John-Robertt/mandelmovie/internal/zoom"
)

// BandError 描述某个行区间的失败（越界、panic、取消）。
type BandError struct {
	Band domain.RowBand
	Err  error
}

func (e *BandError) Error() string {
	return fmt.Sprintf("行区间 [%d,%d) 失败：%v", e.Band.Y0, e.Band.Y1, e.Err)
}

func (e *BandError) Unwrap() error { return e.Err }

// Bands 把 [0, height) 切成 n 段连续、互不重叠、递增的半开区间。
//
// 每段 height/n 行，余数行（height%n，最多 n-1 行）全部并入最后一段。
// 因此 n > height 时前 n-1 段为空，整帧落在最后一段上，只用一个 goroutine 渲染。
func Bands(height, n int) []domain.RowBand {
	if n <= 0 || height < 0 {
		return nil
	}
	rows := height / n
	out := make([]domain.RowBand, n)
	for i := 0; i < n; i++ {
		out[i] = domain.RowBand{Y0: i * rows, Y1: (i + 1) * rows}
	}
	out[n-1].Y1 = height
	return out
}

// Frame 用 threads 个 goroutine 渲染整帧到 buf，全部结束后才返回。
//
// 任一区间失败都会让整帧失败并返回该错误；其余区间会在下一行开始前看到取消。
func Frame(ctx context.Context, buf *raster.Buffer, b domain.Bounds, max, threads int) error {
	if threads <= 0 {
		return fmt.Errorf("非法的线程数：%d", threads)
	}
	if max <= 0 {
		return fmt.Errorf("非法的最大迭代次数：%d", max)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rb := range Bands(buf.Height(), threads) {
		if rb.Rows() == 0 {
			continue
		}
		band, err := buf.Band(rb.Y0, rb.Y1)
		if err != nil {
			// 已启动的区间需要先结束，再报告。
			_ = g.Wait()
			return &BandError{Band: rb, Err: err}
		}
		rb := rb
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &BandError{Band: rb, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			return computeBand(gctx, band, b, max, buf.Width(), buf.Height())
		})
	}
	return g.Wait()
}

func computeBand(ctx context.Context, band raster.Band, b domain.Bounds, max, w, h int) error {
	for row := band.Y0(); row < band.Y1(); row++ {
		if err := ctx.Err(); err != nil {
			return &BandError{Band: domain.RowBand{Y0: band.Y0(), Y1: band.Y1()}, Err: err}
		}
		for i := 0; i < w; i++ {
			x, y := zoom.Point(b, i, row, w, h)
			k := escape.Iterations(x, y, max)
			band.Set(i, row, escape.Color(k, max))
		}
	}
	return nil
}

// IsCanceled 判断渲染失败是否源于 context 取消。
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
