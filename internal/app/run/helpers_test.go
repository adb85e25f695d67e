package run

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/pestcap/internal/domain"
	"github.com/John-Robertt/pestcap/internal/vlm"
)

const fakeCaption = `{"描述":"一只棉铃虫幼虫","description":"a cotton bollworm larva"}`

// fakeCompleter 记录每次调用；fn 为 nil 时返回固定描述。
type fakeCompleter struct {
	mu    sync.Mutex
	calls []vlm.Request
	fn    func(n int, req vlm.Request) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req vlm.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.fn != nil {
		return f.fn(n, req)
	}
	return fakeCaption, nil
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码 png 失败：%v", err)
	}
	writeFile(t, path, buf.String())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
}

// snapshotTree 读取 root 下所有文件：相对路径 → 内容。
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("遍历 %s 失败：%v", root, err)
	}
	return out
}

func mustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("期望文件存在：%s（%v）", path, err)
	}
}

func mustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("期望文件不存在：%s（err=%v）", path, err)
	}
}

// recordingObserver 记录事件序列，供断言事件顺序与计数。
type recordingObserver struct {
	mu     sync.Mutex
	start  *StartInfo
	events []string
	items  map[string]int
	parts  []domain.PartitionReport
}

func (o *recordingObserver) OnStart(info StartInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.start = &info
	o.events = append(o.events, "start")
}

func (o *recordingObserver) OnPartitionStart(name string, total, pending int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "partition_start:"+name)
}

func (o *recordingObserver) OnItemDone(partition string, idx, total int, res domain.ItemResult, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.items == nil {
		o.items = map[string]int{}
	}
	o.items[partition]++
}

func (o *recordingObserver) OnPartitionDone(p domain.PartitionReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parts = append(o.parts, p)
	o.events = append(o.events, "partition_done:"+p.Name)
}
