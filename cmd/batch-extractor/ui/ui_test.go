package ui

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spherical/batch-extractor/internal/domain"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{1400 * time.Millisecond, "1s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute + 7*time.Second, "2h 5m 7s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a b c", Truncate("a\n b\t c", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmno", 10))
	assert.Equal(t, "文档文...", Truncate("文档文档文档文档", 6))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "1.50 MB", FormatBytes(1536*1024))
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, []string{"Key", "Status"}, [][]string{{"key#1", "available"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "---"))
	assert.Contains(t, lines[2], "available")
}

func TestProgressView_CompletesBar(t *testing.T) {
	v := NewProgressView(io.Discard, "Documents")
	v.Start(3)

	ctx := context.Background()
	assert.NoError(t, v.Publish(ctx, domain.ProgressSnapshot{Total: 3, Completed: 1}))
	assert.NoError(t, v.Publish(ctx, domain.ProgressSnapshot{Total: 3, Completed: 2, Failed: 1, Done: true}))

	v.Close()
	assert.Equal(t, 1, v.Last().Failed)
}

func TestProgressView_InterruptedBar(t *testing.T) {
	v := NewProgressView(io.Discard, "Documents")
	v.Start(5)
	assert.NoError(t, v.Publish(context.Background(), domain.ProgressSnapshot{Total: 5, Completed: 2}))

	done := make(chan struct{})
	go func() {
		v.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return for an unfinished bar")
	}
}

func TestProgressView_PageDone(t *testing.T) {
	v := NewProgressView(io.Discard, "Documents")
	assert.Empty(t, v.CurrentPage())

	v.PageDone(domain.Task{RelPath: "report.pdf"}, 3, 12)
	assert.Equal(t, "report.pdf p3/12", v.CurrentPage())

	v.PageDone(domain.Task{RelPath: "a-very-long-document-name.pdf"}, 1, 2)
	assert.Equal(t, "a-very-long-docum... p1/2", v.CurrentPage())
}

func TestProgressView_EmptyRun(t *testing.T) {
	v := NewProgressView(io.Discard, "Documents")
	v.Start(0)
	assert.NoError(t, v.Publish(context.Background(), domain.ProgressSnapshot{Done: true}))
	v.Close()
}
