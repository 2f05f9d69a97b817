package commands

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	noColor   bool
	logLevel  string
	logFormat string
	logFile   string
)

var rootCmd = &cobra.Command{
	Use:   "batch-extractor",
	Short: "Batch PDF text extraction with a vision model",
	Long: `batch-extractor turns a folder of PDF documents into one Markdown file per
document by sending page images to a vision model. It rotates a pool of API
keys around their rate limits, checkpoints every finished document and can be
interrupted and resumed at any point without redoing finished work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console or json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append JSON logs to this file")
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
