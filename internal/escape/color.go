package escape

// MaxColor 是 24 位 RGB 的最大打包值（接近白色）。
const MaxColor = 0xFFFFFF

// Color 把迭代次数线性缩放到 24 位打包 RGB：floor(0xFFFFFF * k / max)。
//
// k == 0 映射为黑色，k == max 映射为 0xFFFFFF；对固定 max 单调不减。
// k 超出 [0, max] 时先截断。
func Color(k, max int) uint32 {
	if max <= 0 || k <= 0 {
		return 0
	}
	if k >= max {
		return MaxColor
	}
	return uint32(float64(MaxColor) * float64(k) / float64(max))
}

// RGB 把打包颜色拆成 R/G/B 三个字节。
func RGB(c uint32) (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}
