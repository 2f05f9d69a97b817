// Package merge concatenates the per-document Markdown outputs of a batch
// into one document with a table of contents.
package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
	"github.com/spherical/batch-extractor/internal/output"
	"github.com/spherical/batch-extractor/internal/queue"
)

// DefaultTitle heads the merged document when no title is given.
const DefaultTitle = "Merged PDF Extraction Results"

// Options controls merging.
type Options struct {
	InputDir   string
	OutputFile string
	Pattern    string // default *.md
	Title      string
	Headers    bool // "## name" before each file
	Separators bool // "---" between files

	// OnFile is called before each file is appended.
	OnFile func(index, total int, name string)
}

// Result describes the merged document.
type Result struct {
	Files   int
	Bytes   int64
	Skipped []string // files that could not be read
}

// ListInputs returns the Markdown files to merge in natural order. The
// recovery directory, temp files and the output file itself are excluded.
func ListInputs(dir, pattern, outputFile string) ([]string, error) {
	if pattern == "" {
		pattern = "*.md"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, domain.ValidationError("invalid pattern "+pattern, err)
	}

	outAbs, _ := filepath.Abs(outputFile)
	var files []string
	for _, m := range matches {
		if strings.Contains(m, ".recovery") || output.IsTempFile(m) {
			continue
		}
		if abs, _ := filepath.Abs(m); abs == outAbs {
			continue
		}
		if info, err := os.Stat(m); err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return queue.NaturalLess(filepath.Base(files[i]), filepath.Base(files[j]))
	})
	return files, nil
}

// Merge writes the merged document atomically.
func Merge(opts Options, logger *observability.Logger) (*Result, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	log := logger.WithOperation("merge")

	if _, err := os.Stat(opts.InputDir); err != nil {
		return nil, domain.ValidationError(fmt.Sprintf("input folder %q does not exist", opts.InputDir), err)
	}

	files, err := ListInputs(opts.InputDir, opts.Pattern, opts.OutputFile)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.ValidationError(fmt.Sprintf("no Markdown files found in %q", opts.InputDir), nil)
	}

	title := opts.Title
	if title == "" {
		title = DefaultTitle
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "*Generated by merging %d PDF extraction results*\n\n", len(files))

	sb.WriteString("## Contents\n\n")
	for i, f := range files {
		name := baseName(f)
		fmt.Fprintf(&sb, "%d. [%s](#%s)\n", i+1, name, Anchor(name))
	}
	sb.WriteString("\n---\n\n")

	res := &Result{}
	for i, f := range files {
		name := baseName(f)
		if opts.OnFile != nil {
			opts.OnFile(i, len(files), name)
		}

		content, err := os.ReadFile(f)
		if err != nil {
			log.Error().Err(err).Str("file", name).Msg("Failed to read file, skipping")
			res.Skipped = append(res.Skipped, f)
			continue
		}

		if opts.Headers {
			fmt.Fprintf(&sb, "## %s\n\n", name)
		}
		sb.Write(content)

		if opts.Separators && i < len(files)-1 {
			sb.WriteString("\n\n---\n\n")
		} else {
			sb.WriteString("\n\n")
		}
		res.Files++
	}

	if err := output.WriteFileAtomic(opts.OutputFile, []byte(sb.String())); err != nil {
		return nil, domain.IOError("write merged file", err)
	}
	res.Bytes = int64(sb.Len())

	log.Info().
		Int("files", res.Files).
		Int("skipped", len(res.Skipped)).
		Str("output", opts.OutputFile).
		Msg("Merge complete")

	return res, nil
}

// Anchor converts a heading to its Markdown fragment identifier.
func Anchor(name string) string {
	a := strings.ToLower(name)
	a = strings.ReplaceAll(a, " ", "-")
	a = strings.ReplaceAll(a, "(", "")
	a = strings.ReplaceAll(a, ")", "")
	return a
}

func baseName(path string) string {
	b := filepath.Base(path)
	return strings.TrimSuffix(b, filepath.Ext(b))
}
