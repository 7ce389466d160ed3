// Package raster 提供单帧像素缓冲区，以及按行区间切出的互不重叠写入句柄。
package raster

import (
	"errors"
	"fmt"
	"image"
)

// ErrBandOutOfRange 表示请求的行区间不在 [0, height] 内，或 y0 > y1。
var ErrBandOutOfRange = errors.New("行区间越界")

// Buffer 是 width*height 的 RGBA 像素缓冲，行主序；新建时填充为不透明黑色。
//
// 约束：
// - 缓冲区只在单帧生命周期内存在，帧编码写盘后即可丢弃
// - 并发写入只能经由 Band：不同 Band 的底层切片不重叠
type Buffer struct {
	w, h int
	pix  []uint8
}

// New 分配一块 w*h 的缓冲区。w/h 必须为正。
func New(w, h int) (*Buffer, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("非法的画布尺寸：%dx%d", w, h)
	}
	pix := make([]uint8, 4*w*h)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xFF
	}
	return &Buffer{w: w, h: h, pix: pix}, nil
}

func (b *Buffer) Width() int  { return b.w }
func (b *Buffer) Height() int { return b.h }

// Band 返回 [y0, y1) 行的写入句柄。y0 == y1 是合法的空区间。
func (b *Buffer) Band(y0, y1 int) (Band, error) {
	if y0 < 0 || y1 > b.h || y0 > y1 {
		return Band{}, fmt.Errorf("%w：[%d,%d) 高度=%d", ErrBandOutOfRange, y0, y1, b.h)
	}
	stride := 4 * b.w
	lo, hi := y0*stride, y1*stride
	// 三下标切片：句柄无法 append 越过自己的区间。
	return Band{y0: y0, y1: y1, w: b.w, pix: b.pix[lo:hi:hi]}, nil
}

// Image 返回共享同一块像素内存的 *image.RGBA（不拷贝）。
// 只能在所有 Band 写入结束之后调用。
func (b *Buffer) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    b.pix,
		Stride: 4 * b.w,
		Rect:   image.Rect(0, 0, b.w, b.h),
	}
}

// Band 是缓冲区中 [Y0, Y1) 行的独占写入视图。
type Band struct {
	y0, y1 int
	w      int
	pix    []uint8
}

func (b Band) Y0() int    { return b.y0 }
func (b Band) Y1() int    { return b.y1 }
func (b Band) Width() int { return b.w }

// Set 写入像素 (x, row)，row 为整帧坐标。c 是 0xRRGGBB 打包颜色。
// 越界写入会 panic（与切片越界一致）；调用方只应在自身区间内循环。
func (b Band) Set(x, row int, c uint32) {
	if x < 0 || x >= b.w || row < b.y0 || row >= b.y1 {
		panic(fmt.Sprintf("raster: 像素 (%d,%d) 不在区间 [%d,%d) 内", x, row, b.y0, b.y1))
	}
	i := 4 * ((row-b.y0)*b.w + x)
	p := b.pix[i : i+4 : i+4]
	p[0] = uint8(c >> 16)
	p[1] = uint8(c >> 8)
	p[2] = uint8(c)
	p[3] = 0xFF
}
