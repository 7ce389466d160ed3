package domain

// ZoomGeometry 是一次 run 内不可变的缩放参数。
//
// 约束：
// - 以值传递给几何计算与调度（不存在进程级全局默认值）
// - ZoomFactor >= 1 不会被拒绝，但序列将不再放大（调用方自负）
type ZoomGeometry struct {
	XCenter      float64 `json:"x_center" cbor:"x_center"`
	YCenter      float64 `json:"y_center" cbor:"y_center"`
	InitialScale float64 `json:"initial_scale" cbor:"initial_scale"`
	ZoomFactor   float64 `json:"zoom_factor" cbor:"zoom_factor"`
}

// Bounds 是某一帧在复平面上的坐标窗口（计算得到，不持久化）。
type Bounds struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// Width 返回水平跨度（xmax - xmin）。
func (b Bounds) Width() float64 { return b.XMax - b.XMin }

// RowBand 是分配给单个 goroutine 的半开行区间 [Y0, Y1)。
type RowBand struct {
	Y0 int
	Y1 int
}

// Rows 返回区间内的行数；空区间为 0。
func (b RowBand) Rows() int {
	if b.Y1 <= b.Y0 {
		return 0
	}
	return b.Y1 - b.Y0
}
