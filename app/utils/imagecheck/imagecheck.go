package imagecheck

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	// webp 只需要注册解码器
	_ "golang.org/x/image/webp"
)

// 供应商对边长有上限，超出时等比缩小
const maxDimension = 2048

// Normalize 校验并规整上传的图片。
// 解码失败视为非法图片；超出尺寸上限的等比缩小后重新编码为 JPEG。
// 返回处理后的字节与对应的 MIME 类型
func Normalize(data []byte, mimeType string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("图片解码失败: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDimension && bounds.Dy() <= maxDimension && mimeType != "image/webp" {
		// 尺寸合规的 JPEG/PNG 原样透传
		return data, mimeType, nil
	}

	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(92)); err != nil {
		return nil, "", fmt.Errorf("图片重编码失败: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
