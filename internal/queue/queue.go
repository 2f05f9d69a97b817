// Package queue builds the ordered list of tasks for a run from an input
// folder and the checkpoint store.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
	"github.com/spherical/batch-extractor/internal/output"
)

// taskNamespace scopes task identifiers. Changing it invalidates every
// existing checkpoint.
var taskNamespace = uuid.MustParse("6f1c2a7e-3b9d-4c55-9a0e-2d8f4b7c1e63")

// AdoptedNote is the checkpoint note for outputs found on disk without a
// checkpoint record.
const AdoptedNote = "adopted"

// Range selects a contiguous slice of the remaining tasks. End <= 0 means
// through the last task.
type Range struct {
	Start int
	End   int
}

// IsSet reports whether the range narrows the selection.
func (r Range) IsSet() bool {
	return r.Start > 0 || r.End > 0
}

// Options controls queue building.
type Options struct {
	InputDir  string
	OutputDir string
	Pattern   string // glob matched against file names, default *.pdf
	Range     Range
	Adopt     bool // checkpoint outputs that exist without a record

	// Now stamps adopted records, default time.Now.
	Now func() time.Time
}

// Result is the built queue plus the numbers behind it.
type Result struct {
	Tasks            []domain.Task // remaining tasks after exclusion and range, in dispatch order
	Discovered       int           // input documents found
	AlreadyCompleted int           // excluded by the checkpoint store, adopted ones included
	Adopted          int           // outputs adopted during this build
	Remaining        int           // tasks left before the range filter
}

// TaskID derives the stable identifier for an input path relative to the
// input folder.
func TaskID(relPath string) string {
	return uuid.NewSHA1(taskNamespace, []byte(filepath.ToSlash(relPath))).String()
}

// OutputPathFor maps an input document to its Markdown output.
func OutputPathFor(outputDir, relPath string) string {
	base := filepath.Base(relPath)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + ".md"
	return filepath.Join(outputDir, name)
}

func disambiguatedOutput(outputDir, relPath string) string {
	base := filepath.Base(relPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, stem+"-"+TaskID(relPath)[:8]+".md")
}

// Discover lists input documents in natural order as tasks.
func Discover(inputDir, outputDir, pattern string) ([]domain.Task, error) {
	if pattern == "" {
		pattern = "*.pdf"
	}

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, domain.IOError("read input folder", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(e.Name()))
		if err != nil {
			return nil, domain.ValidationError("invalid input pattern "+pattern, err)
		}
		if ok {
			names = append(names, e.Name())
		}
	}

	sort.SliceStable(names, func(i, j int) bool {
		return NaturalLess(names[i], names[j])
	})

	outputs, err := outputPaths(outputDir, names)
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.Task, len(names))
	for i, name := range names {
		tasks[i] = domain.Task{
			ID:         TaskID(name),
			Index:      i,
			InputPath:  filepath.Join(inputDir, name),
			RelPath:    name,
			OutputPath: outputs[i],
		}
	}
	return tasks, nil
}

// outputPaths assigns every input a distinct output path. Inputs whose
// default outputs collide (report.pdf, report.PDF) all get the first eight
// characters of their task ID appended: report-1a2b3c4d.md. Output names are
// compared case-insensitively.
func outputPaths(outputDir string, names []string) ([]string, error) {
	key := func(path string) string { return strings.ToLower(filepath.Base(path)) }

	counts := make(map[string]int, len(names))
	for _, name := range names {
		counts[key(OutputPathFor(outputDir, name))]++
	}

	paths := make([]string, len(names))
	owner := make(map[string]string, len(names))
	for i, name := range names {
		path := OutputPathFor(outputDir, name)
		if counts[key(path)] > 1 {
			path = disambiguatedOutput(outputDir, name)
		}
		if prev, ok := owner[key(path)]; ok {
			return nil, domain.ValidationError(
				fmt.Sprintf("inputs %q and %q map to the same output %s; rename one of them", prev, name, filepath.Base(path)), nil)
		}
		owner[key(path)] = name
		paths[i] = path
	}
	return paths, nil
}

// Build discovers the input documents, drops those already completed, adopts
// finished outputs that lack a record and applies the range.
func Build(ctx context.Context, opts Options, store domain.CheckpointStore, logger *observability.Logger) (*Result, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	log := logger.WithOperation("queue-build")
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	all, err := Discover(opts.InputDir, opts.OutputDir, opts.Pattern)
	if err != nil {
		return nil, err
	}

	done, err := store.Completed(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Discovered: len(all)}
	remaining := make([]domain.Task, 0, len(all))

	for _, t := range all {
		if _, ok := done[t.ID]; ok {
			res.AlreadyCompleted++
			continue
		}

		if opts.Adopt && outputExists(t.OutputPath) {
			rec := domain.CheckpointRecord{
				TaskID:      t.ID,
				OutputPath:  t.OutputPath,
				CompletedAt: now().UTC(),
				Note:        AdoptedNote,
			}
			if err := store.MarkCompleted(ctx, rec); err != nil {
				return nil, fmt.Errorf("adopt %s: %w", t.RelPath, err)
			}
			log.Info().Str("file", t.RelPath).Msg("Adopted existing output")
			res.Adopted++
			res.AlreadyCompleted++
			continue
		}

		remaining = append(remaining, t)
	}

	res.Remaining = len(remaining)
	res.Tasks = ApplyRange(remaining, opts.Range)

	log.Info().
		Int("discovered", res.Discovered).
		Int("completed", res.AlreadyCompleted).
		Int("adopted", res.Adopted).
		Int("remaining", res.Remaining).
		Int("selected", len(res.Tasks)).
		Msg("Task queue built")

	return res, nil
}

// ApplyRange returns tasks[start:end] clamped to the slice bounds.
func ApplyRange(tasks []domain.Task, r Range) []domain.Task {
	start := r.Start
	if start < 0 {
		start = 0
	}
	if start > len(tasks) {
		start = len(tasks)
	}
	end := r.End
	if end <= 0 || end > len(tasks) {
		end = len(tasks)
	}
	if end < start {
		end = start
	}
	return tasks[start:end]
}

func outputExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && !output.IsTempFile(path)
}

// NaturalLess orders strings so that digit runs compare by value and letters
// compare case-insensitively: doc2 sorts before doc10.
func NaturalLess(a, b string) bool {
	ar, br := []rune(a), []rune(b)
	i, j := 0, 0

	for i < len(ar) && j < len(br) {
		ca, cb := ar[i], br[j]

		if unicode.IsDigit(ca) && unicode.IsDigit(cb) {
			si := i
			for i < len(ar) && unicode.IsDigit(ar[i]) {
				i++
			}
			sj := j
			for j < len(br) && unicode.IsDigit(br[j]) {
				j++
			}
			na := strings.TrimLeft(string(ar[si:i]), "0")
			nb := strings.TrimLeft(string(br[sj:j]), "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}

		la, lb := unicode.ToLower(ca), unicode.ToLower(cb)
		if la != lb {
			return la < lb
		}
		i++
		j++
	}

	if len(ar)-i != len(br)-j {
		return len(ar)-i < len(br)-j
	}
	return a < b
}
