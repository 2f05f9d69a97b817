package domain

import "context"

// PageSet is the result of converting one PDF. Cleanup removes its temp files.
type PageSet struct {
	Images  []PageImage
	Cleanup func() error
}

// Converter defines the interface for converting PDF to images
type Converter interface {
	// Convert turns a PDF into page images in a private temp directory
	Convert(ctx context.Context, pdfPath string) (*PageSet, error)
}

// PageRecognizer turns one page image into Markdown using the given API key.
// Errors are classified as *QuotaError, *TransientError or *PermanentError.
type PageRecognizer interface {
	RecognizePage(ctx context.Context, image PageImage, apiKey string) (string, error)
}

// Recognizer extracts the text of a whole task input.
type Recognizer interface {
	Recognize(ctx context.Context, task Task, apiKey string) (string, error)
}

// OutputWriter persists a task's text so that a reader never observes a
// partially written file at path.
type OutputWriter interface {
	Write(path string, text string) error
}

// CheckpointStore is the durable set of completed task identifiers.
type CheckpointStore interface {
	IsCompleted(ctx context.Context, taskID string) (bool, error)
	// MarkCompleted returns only after the record is durable. Re-marking an
	// identifier is not an error.
	MarkCompleted(ctx context.Context, rec CheckpointRecord) error
	Completed(ctx context.Context) (map[string]CheckpointRecord, error)
	Close() error
}
