package escape

import (
	"math/rand"
	"testing"
)

func TestIterations_OutsideRadiusEscapesImmediately(t *testing.T) {
	pts := [][2]float64{{3, 0}, {0, -2.5}, {1.5, 1.5}, {-2.1, 0}, {100, 100}}
	for _, p := range pts {
		if got := Iterations(p[0], p[1], 1000); got != 0 {
			t.Fatalf("(%v,%v) 在半径外，期望 0，实际 %d", p[0], p[1], got)
		}
	}
}

func TestIterations_OriginNeverEscapes(t *testing.T) {
	for _, max := range []int{0, 1, 2, 10, 1000} {
		if got := Iterations(0, 0, max); got != max {
			t.Fatalf("max=%d：原点期望 %d，实际 %d", max, max, got)
		}
	}
}

func TestIterations_WithinRange(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		x := rnd.Float64()*4 - 2.5
		y := rnd.Float64()*3 - 1.5
		max := rnd.Intn(200)
		got := Iterations(x, y, max)
		if got < 0 || got > max {
			t.Fatalf("(%v,%v) max=%d 返回值越界：%d", x, y, max, got)
		}
	}
}

func TestIterations_KnownPoint(t *testing.T) {
	// z0 = 1：1 -> 2 -> 5，第二次迭代后 |z|^2 = 25 > 4。
	if got := Iterations(1, 0, 100); got != 2 {
		t.Fatalf("期望 2，实际 %d", got)
	}
	// 边界点 -2 属于集合：z 始终为 2，|z|^2 == 4 不算逃逸。
	if got := Iterations(-2, 0, 50); got != 50 {
		t.Fatalf("期望 50，实际 %d", got)
	}
}

func TestColor_EndpointsAndMonotonic(t *testing.T) {
	for _, max := range []int{1, 7, 10, 1000} {
		if Color(0, max) != 0 {
			t.Fatalf("max=%d：Color(0) 应为 0", max)
		}
		if Color(max, max) != MaxColor {
			t.Fatalf("max=%d：Color(max) 应为 0xFFFFFF，实际 %#x", max, Color(max, max))
		}
		prev := uint32(0)
		for k := 0; k <= max; k++ {
			c := Color(k, max)
			if c < prev {
				t.Fatalf("max=%d：k=%d 处不单调（%#x < %#x）", max, k, c, prev)
			}
			prev = c
		}
	}
}

func TestColor_Floor(t *testing.T) {
	// 0xFFFFFF * 1 / 10 = 1677721.5 -> 1677721
	if got := Color(1, 10); got != 1677721 {
		t.Fatalf("期望 1677721，实际 %d", got)
	}
}

func TestRGB(t *testing.T) {
	r, g, b := RGB(0x123456)
	if r != 0x12 || g != 0x34 || b != 0x56 {
		t.Fatalf("拆分错误：%x %x %x", r, g, b)
	}
}
