package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spherical/batch-extractor/cmd/batch-extractor/ui"
	"github.com/spherical/batch-extractor/internal/merge"
)

var (
	mergeInput       string
	mergeOutput      string
	mergePattern     string
	mergeTitle       string
	mergeNoHeaders   bool
	mergeNoSeparator bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the Markdown outputs into one document",
	Long: `Concatenate the Markdown outputs of a batch in natural file order into a
single document with a title and a table of contents.`,
	Example: `  batch-extractor merge -i ./markdown -o all.md
  batch-extractor merge -i ./markdown -o all.md --title "Annual Reports" --no-separator`,
	RunE: runMerge,
}

func init() {
	f := mergeCmd.Flags()
	f.StringVarP(&mergeInput, "input", "i", "", "folder with the Markdown files")
	f.StringVarP(&mergeOutput, "output", "o", "", "merged output file (default <input>/merged.md)")
	f.StringVar(&mergePattern, "pattern", "*.md", "file name pattern")
	f.StringVar(&mergeTitle, "title", merge.DefaultTitle, "document title")
	f.BoolVar(&mergeNoHeaders, "no-headers", false, "do not add a heading per file")
	f.BoolVar(&mergeNoSeparator, "no-separator", false, "do not add --- between files")
	_ = mergeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ui.InitUI(noColor, verbose)

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	out := mergeOutput
	if out == "" {
		out = filepath.Join(mergeInput, "merged.md")
	}

	var bar *ui.ProgressBar
	res, err := merge.Merge(merge.Options{
		InputDir:   mergeInput,
		OutputFile: out,
		Pattern:    mergePattern,
		Title:      mergeTitle,
		Headers:    !mergeNoHeaders,
		Separators: !mergeNoSeparator,
		OnFile: func(index, total int, name string) {
			if bar == nil {
				bar = ui.NewProgressBar(int64(total), "Merging")
			}
			bar.Describe(name)
			bar.Set(int64(index + 1))
		},
	}, logger)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	ui.Success("Merged %d files into %s (%s)", res.Files, out, ui.FormatBytes(res.Bytes))
	for _, s := range res.Skipped {
		ui.Warning("Skipped unreadable file %s", s)
	}
	if len(res.Skipped) > 0 {
		return &ExitError{Code: 1}
	}
	return nil
}
