// Package escape 实现逃逸时间算法与迭代次数到颜色的映射。
//
// 两个函数都是纯函数：相同输入 => 相同输出，可以在任意 goroutine / 进程中并发调用。
package escape

// Iterations 返回点 (x, y) 在递推 z = z^2 + z0（z0 = x + iy）下
// 满足 |z|^2 > 4 之前的迭代次数；若 max 次内从未逃逸则返回 max。
//
// 约束：
// - 全程 float64；用平方模与 4 比较，避免开方
// - 返回值始终落在 [0, max]（max <= 0 时返回 0）
func Iterations(x, y float64, max int) int {
	x0, y0 := x, y

	k := 0
	for x*x+y*y <= 4 && k < max {
		xt := x*x - y*y + x0
		y = 2*x*y + y0
		x = xt
		k++
	}
	return k
}
