package imgx

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultJPEGQuality 在体积与质量之间比较均衡，ffmpeg 读取帧序列时也足够清晰。
const DefaultJPEGQuality = 90

// Ext 返回格式对应的扩展名（不含点）；未知格式返回错误。
func Ext(format string) (string, error) {
	switch format {
	case "jpg", "jpeg":
		return "jpg", nil
	case "png":
		return "png", nil
	default:
		return "", fmt.Errorf("不支持的图片格式：%q", format)
	}
}

// Encode 把 img 编码为 format（jpg/png）写入 w。
//
// 约束：
// - quality 只对 JPEG 生效；<=0 时取 DefaultJPEGQuality
// - PNG 使用默认压缩级别（帧序列体积大，BestCompression 太慢）
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if img == nil {
		return errors.New("图片为空")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return errors.New("图片尺寸无效")
	}

	ext, err := Ext(format)
	if err != nil {
		return err
	}
	switch ext {
	case "png":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		return enc.Encode(w, img)
	default:
		if quality <= 0 {
			quality = DefaultJPEGQuality
		}
		if quality > 100 {
			quality = 100
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	}
}

// Label 在图片左上角绘制一行文字（半透明底 + 白字），用于标注帧号与缩放倍率。
//
// 只依赖内置的 7x13 点阵字体，不需要外部字体文件。文字超出画布的部分被裁掉。
func Label(img *image.RGBA, text string) {
	if img == nil || text == "" {
		return
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: face,
	}

	const pad = 3
	adv := d.MeasureString(text).Ceil()
	m := face.Metrics()
	textH := (m.Ascent + m.Descent).Ceil()

	bg := image.Rect(0, 0, adv+2*pad, textH+2*pad).Add(img.Rect.Min).Intersect(img.Rect)
	draw.Draw(img, bg, image.NewUniform(color.RGBA{A: 160}), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(img.Rect.Min.X + pad),
		Y: fixed.I(img.Rect.Min.Y+pad) + m.Ascent,
	}
	d.DrawString(text)
}
