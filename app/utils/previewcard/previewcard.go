package previewcard

import (
	"bytes"

	"github.com/fogleman/gg"
)

const (
	cardSize   = 512
	maxCaption = 120
)

// Render 生成占位预览图。
// 供应商成功但没有返回渲染图时，画廊仍需要一张缩略图
func Render(caption string) ([]byte, error) {
	dc := gg.NewContext(cardSize, cardSize)

	// 深色底
	dc.SetRGB(0.13, 0.15, 0.19)
	dc.Clear()

	// 中央线框立方体，示意这是一个 3D 模型
	dc.SetRGB(0.35, 0.65, 0.95)
	dc.SetLineWidth(3)
	cx, cy, half, depth := float64(cardSize)/2, float64(cardSize)/2-30, 90.0, 45.0
	dc.DrawRectangle(cx-half, cy-half, half*2, half*2)
	dc.DrawRectangle(cx-half+depth, cy-half-depth, half*2, half*2)
	dc.Stroke()
	for _, d := range [][4]float64{
		{cx - half, cy - half, cx - half + depth, cy - half - depth},
		{cx + half, cy - half, cx + half + depth, cy - half - depth},
		{cx - half, cy + half, cx - half + depth, cy + half - depth},
		{cx + half, cy + half, cx + half + depth, cy + half - depth},
	} {
		dc.DrawLine(d[0], d[1], d[2], d[3])
	}
	dc.Stroke()

	// 底部文字说明，超长按字符截断
	text := caption
	if runes := []rune(text); len(runes) > maxCaption {
		text = string(runes[:maxCaption])
	}
	if text != "" {
		dc.SetRGB(0.85, 0.85, 0.85)
		dc.DrawStringWrapped(text, float64(cardSize)/2, float64(cardSize)-80, 0.5, 0.5,
			float64(cardSize)-60, 1.4, gg.AlignCenter)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
