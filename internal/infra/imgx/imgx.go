package imgx

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/gif"  // 注册 GIF 解码器
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器
	"net/http"
	"strings"
)

// ErrEmpty 表示图片内容为空。
var ErrEmpty = errors.New("图片内容为空")

// Dimensions 只解析图片头部，返回宽高与格式名（"jpeg"/"png"/"gif"）。
//
// 约束：
// - 不解码像素，数据集里的大图也只读头部
// - 未注册的格式或损坏的头部返回 image.ErrFormat 或解码器错误
func Dimensions(b []byte) (w, h int, format string, err error) {
	if len(b) == 0 {
		return 0, 0, "", ErrEmpty
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return 0, 0, "", err
	}
	return cfg.Width, cfg.Height, format, nil
}

// DataURL 把图片编码为 "data:<mime>;base64,<...>"。
// MIME 按内容嗅探；嗅探结果不是 image/* 时退回 image/jpeg（数据集默认格式）。
func DataURL(b []byte) string {
	mime := http.DetectContentType(b)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	var sb strings.Builder
	sb.Grow(len("data:;base64,") + len(mime) + base64.StdEncoding.EncodedLen(len(b)))
	sb.WriteString("data:")
	sb.WriteString(mime)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(b))
	return sb.String()
}
