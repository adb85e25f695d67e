package imgx

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.Set(x, y, color.RGBA{0, 128, 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg 失败：%v", err)
	}
	return buf.Bytes()
}

func TestDimensions_JPEGAndPNG(t *testing.T) {
	w, h, format, err := Dimensions(encodeJPEG(t, 120, 40))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if w != 120 || h != 40 || format != "jpeg" {
		t.Fatalf("尺寸/格式不符合预期：%dx%d %s", w, h, format)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 7, 9))); err != nil {
		t.Fatalf("encode png 失败：%v", err)
	}
	w, h, format, err = Dimensions(buf.Bytes())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if w != 7 || h != 9 || format != "png" {
		t.Fatalf("尺寸/格式不符合预期：%dx%d %s", w, h, format)
	}
}

func TestDimensions_Invalid(t *testing.T) {
	if _, _, _, err := Dimensions(nil); err != ErrEmpty {
		t.Fatalf("期望 ErrEmpty，实际 %v", err)
	}
	if _, _, _, err := Dimensions([]byte("not an image")); err == nil {
		t.Fatalf("期望损坏图片返回错误")
	}
}

func TestDataURL(t *testing.T) {
	b := encodeJPEG(t, 4, 4)
	got := DataURL(b)
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("前缀不符合预期：%q", got[:min(len(got), 40)])
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, prefix))
	if err != nil {
		t.Fatalf("base64 解码失败：%v", err)
	}
	if !bytes.Equal(raw, b) {
		t.Fatalf("往返内容不一致")
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))
	if !strings.HasPrefix(DataURL(buf.Bytes()), "data:image/png;base64,") {
		t.Fatalf("PNG 应嗅探为 image/png")
	}
	if !strings.HasPrefix(DataURL([]byte("plain")), "data:image/jpeg;base64,") {
		t.Fatalf("非图片内容应退回 image/jpeg")
	}
}
