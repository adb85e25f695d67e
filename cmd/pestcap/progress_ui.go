package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/pestcap/internal/app/run"
	"github.com/John-Robertt/pestcap/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的逐行进度输出。
//
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - keepalive：长时间无条目完成时定期输出一行进度
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers   int
	partition string
	total     int
	done      int
	ok        int
	fail      int
	skip      int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(info run.StartInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}
	p.workers = info.Concurrency

	fmt.Fprintf(p.w, "[%s] pestcap %s (run %s)\n", now.Format("15:04:05"), info.Stage, shortID(info.RunID))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  input: %s\n", info.InputRoot)
	if info.CompanionRoot != "" {
		fmt.Fprintf(p.w, "  bbox: %s\n", info.CompanionRoot)
	}
	fmt.Fprintf(p.w, "  output: %s\n", info.OutputRoot)
	fmt.Fprintf(p.w, "  concurrency: %d\n", info.Concurrency)
	if len(info.Partitions) > 0 {
		fmt.Fprintf(p.w, "  partitions: %s\n", strings.Join(info.Partitions, ", "))
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPartitionStart(name string, total, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.partition = name
	p.total = total
	p.done, p.ok, p.fail, p.skip = 0, 0, 0, 0

	fmt.Fprintf(p.w, "分区 %s: files=%d pending=%d\n", name, total, pending)
	if total > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(partition string, idx, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total

	switch res.Outcome {
	case domain.OutcomeSuccess:
		p.ok++
	case domain.OutcomeFailed:
		p.fail++
	default:
		p.skip++
	}

	switch res.Outcome {
	case domain.OutcomeFailed:
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			idx, total, res.Key, res.Stage, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	case domain.OutcomeSkippedDone:
		fmt.Fprintf(p.w, "[%d/%d] %s SKIP (已处理) (%s)\n", idx, total, res.Key, formatShortDuration(dur))
	case domain.OutcomeSkippedInvalid:
		fmt.Fprintf(p.w, "[%d/%d] %s SKIP %s (%s)\n", idx, total, res.Key, truncate(res.ErrorMsg, 120), formatShortDuration(dur))
	default:
		note := ""
		if res.Category != "" {
			note = " category=" + res.Category
		}
		if n := len(res.Warnings); n > 0 {
			note += fmt.Sprintf(" warnings=%d", n)
		}
		fmt.Fprintf(p.w, "[%d/%d] %s OK%s (%s)\n", idx, total, res.Key, note, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
	p.stopTickerIfDoneLocked()
}

func (p *progressUI) OnPartitionDone(pr domain.PartitionReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := pr.Counters
	if c == nil {
		c = &domain.Counters{}
	}
	if pr.ErrorCode != "" {
		fmt.Fprintf(p.w, "分区 %s 失败: %s: %s\n\n", pr.Name, pr.ErrorCode, truncate(pr.ErrorMsg, 160))
	} else {
		fmt.Fprintf(p.w, "分区 %s 完成: success=%d skipped_done=%d skipped_invalid=%d failed=%d (%s)\n\n",
			pr.Name, c.Success, c.SkippedDone, c.SkippedInvalid, c.Failed,
			formatElapsed(pr.FinishedAt.Sub(pr.StartedAt)),
		)
	}

	// 分区被取消或为空时 OnItemDone 不会走到最后一条：这里兜底停止 ticker。
	p.done = p.total
	p.stopTickerIfDoneLocked()
	p.lastPrinted = time.Now()
}

func (p *progressUI) stopTickerIfDoneLocked() {
	if p.tickerStarted && p.done >= p.total {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stopCh := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					active := p.workers
					if remain := p.total - p.done; remain < active {
						active = remain
					}
					fmt.Fprintf(p.w, "进度: %s done=%d/%d ok=%d fail=%d skip=%d active=%d elapsed=%s\n",
						p.partition, p.done, p.total, p.ok, p.fail, p.skip, active,
						formatElapsed(time.Since(p.startedAt)),
					)
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
