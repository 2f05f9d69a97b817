package ui

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/spherical/batch-extractor/internal/domain"
)

// ProgressView renders run snapshots as a live progress bar. It implements
// progress.Publisher.
type ProgressView struct {
	out  io.Writer
	name string

	mu       sync.Mutex
	progress *mpb.Progress
	bar      *mpb.Bar
	total    int
	last     domain.ProgressSnapshot
	page     string
}

// NewProgressView creates a view writing to out.
func NewProgressView(out io.Writer, name string) *ProgressView {
	return &ProgressView{out: out, name: name}
}

// Start creates the bar for total tasks. An empty run gets no bar.
func (v *ProgressView) Start(total int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.total = total
	if total <= 0 || v.bar != nil {
		return
	}

	v.progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(v.out))
	v.bar = v.progress.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(v.name, decor.WC{W: len(v.name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
			decor.OnComplete(
				decor.Any(v.status, decor.WC{W: 48}),
				"done",
			),
		),
	)
}

// Publish moves the bar to the number of settled tasks.
func (v *ProgressView) Publish(_ context.Context, snap domain.ProgressSnapshot) error {
	v.mu.Lock()
	v.last = snap
	bar := v.bar
	v.mu.Unlock()

	// The bar renders status under its own lock; never call it while holding v.mu.
	if bar != nil {
		bar.SetCurrent(int64(snap.Settled()))
	}
	return nil
}

// PageDone records the latest recognized page. It matches recognize.PageHook.
func (v *ProgressView) PageDone(task domain.Task, page, total int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.page = fmt.Sprintf("%s p%d/%d", Truncate(task.RelPath, 20), page, total)
}

// CurrentPage returns the text for the latest recognized page.
func (v *ProgressView) CurrentPage() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page
}

// Last returns the most recent snapshot.
func (v *ProgressView) Last() domain.ProgressSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Close stops rendering. An unfinished bar is left at its last position.
func (v *ProgressView) Close() {
	v.mu.Lock()
	p, bar := v.progress, v.bar
	v.mu.Unlock()

	if p == nil {
		return
	}
	if !bar.Completed() {
		bar.Abort(false)
	}
	p.Wait()
}

func (v *ProgressView) status(decor.Statistics) string {
	v.mu.Lock()
	snap, page := v.last, v.page
	v.mu.Unlock()

	eta := "--"
	if snap.ETAKnown {
		eta = FormatDuration(snap.ETA)
	}
	text := "ETA " + eta
	if snap.Failed > 0 {
		text += fmt.Sprintf("  failed %d", snap.Failed)
	}
	if page != "" {
		text += "  " + page
	}
	return text
}
