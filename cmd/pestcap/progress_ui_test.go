package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/pestcap/internal/app/run"
	"github.com/John-Robertt/pestcap/internal/domain"
)

func TestProgressUI_Lines(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressUI(&buf)
	p.tickerInterval = time.Hour

	p.OnStart(run.StartInfo{
		RunID:         "0123456789abcdef",
		Stage:         "caption",
		InputRoot:     "/data/images",
		CompanionRoot: "/data/labels",
		OutputRoot:    "/data/out",
		Concurrency:   3,
	})
	p.OnPartitionStart("train", 3, 2)
	p.OnItemDone("train", 1, 3, domain.ItemResult{Key: "A", Outcome: domain.OutcomeSuccess, Category: "棉铃虫"}, time.Second)
	p.OnItemDone("train", 2, 3, domain.ItemResult{Key: "B", Outcome: domain.OutcomeFailed, Stage: domain.StageServiceCall, ErrorMsg: "HTTP 500"}, 0)
	p.OnItemDone("train", 3, 3, domain.ItemResult{Key: "C", Outcome: domain.OutcomeSkippedDone}, 0)
	if p.tickerStarted {
		t.Fatalf("最后一条完成后 ticker 应停止")
	}
	p.OnPartitionDone(domain.PartitionReport{Name: "train", Counters: &domain.Counters{Success: 1, Failed: 1, SkippedDone: 1}})

	out := buf.String()
	for _, want := range []string{
		"pestcap caption (run 01234567)",
		"  bbox: /data/labels",
		"分区 train: files=3 pending=2",
		"[1/3] A OK category=棉铃虫 (1.0s)",
		"[2/3] B FAIL service_call: HTTP 500",
		"[3/3] C SKIP (已处理)",
		"分区 train 完成: success=1 skipped_done=1 skipped_invalid=0 failed=1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q：\n%s", want, out)
		}
	}
}

func TestProgressUI_PartitionDoneStopsTicker(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressUI(&buf)
	p.tickerInterval = time.Hour

	p.OnPartitionStart("val", 5, 5)
	if !p.tickerStarted {
		t.Fatalf("非空分区应启动 ticker")
	}
	p.OnItemDone("val", 1, 5, domain.ItemResult{Key: "A", Outcome: domain.OutcomeSuccess}, 0)
	p.OnPartitionDone(domain.PartitionReport{Name: "val", ErrorCode: domain.ErrCodeCanceled, ErrorMsg: "context canceled"})
	if p.tickerStarted {
		t.Fatalf("分区结束后 ticker 应停止")
	}
	if !strings.Contains(buf.String(), "分区 val 失败: canceled") {
		t.Fatalf("缺少分区失败行：%s", buf.String())
	}
}

func TestProgressUI_Keepalive(t *testing.T) {
	var buf syncBuffer
	p := newProgressUI(&buf)
	p.tickerInterval = 5 * time.Millisecond
	p.keepaliveThreshold = time.Millisecond

	p.OnPartitionStart("train", 2, 2)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(buf.String(), "进度: train") {
		time.Sleep(5 * time.Millisecond)
	}
	p.OnPartitionDone(domain.PartitionReport{Name: "train"})

	if !strings.Contains(buf.String(), "进度: train done=0/2") {
		t.Fatalf("期望 keepalive 进度行：%s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  短  ", 10); got != "短" {
		t.Fatalf("期望去除首尾空白，实际 %q", got)
	}
	if got := truncate("图片尺寸过小无法处理", 6); got != "图片尺..." {
		t.Fatalf("应按字符截断，实际 %q", got)
	}
}

func TestFormatElapsed(t *testing.T) {
	if got := formatElapsed(3723 * time.Second); got != "01:02:03" {
		t.Fatalf("期望 01:02:03，实际 %q", got)
	}
	if got := formatElapsed(-time.Second); got != "00:00:00" {
		t.Fatalf("负数应归零，实际 %q", got)
	}
}

// syncBuffer 让测试 goroutine 与 ticker goroutine 可以并发读写输出。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
