// Package zoom 计算每一帧的坐标窗口，以及像素到复平面坐标的映射。
package zoom

import (
	"math"

	"github.com/John-Robertt/mandelmovie/internal/domain"
)

// Scale 返回第 j 帧的水平跨度：initial_scale * zoom_factor^j。
func Scale(j int, g domain.ZoomGeometry) float64 {
	return g.InitialScale * math.Pow(g.ZoomFactor, float64(j))
}

// FrameBounds 计算第 j 帧的坐标窗口。
//
// 约束：
// - 纯函数，只依赖参数；不同进程对同一输入得到逐位相同的结果
// - 垂直跨度按像素宽高比推导：yscale = xscale * height / width
func FrameBounds(j int, g domain.ZoomGeometry, width, height int) domain.Bounds {
	xscale := Scale(j, g)
	yscale := xscale * float64(height) / float64(width)
	return domain.Bounds{
		XMin: g.XCenter - xscale/2,
		XMax: g.XCenter + xscale/2,
		YMin: g.YCenter - yscale/2,
		YMax: g.YCenter + yscale/2,
	}
}

// Point 把像素 (i, row) 映射到坐标：
// x = xmin + i*(xmax-xmin)/width，y = ymin + row*(ymax-ymin)/height。
func Point(b domain.Bounds, i, row, width, height int) (x, y float64) {
	x = b.XMin + float64(i)*(b.XMax-b.XMin)/float64(width)
	y = b.YMin + float64(row)*(b.YMax-b.YMin)/float64(height)
	return x, y
}
