package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical/batch-extractor/internal/domain"
)

// maxSize is the size above which a warning is logged.
const maxSize = 100 * 1024 * 1024 // 100MB

// Validator provides input validation for PDF files
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePDFPath validates that a file path is valid and points to a
// readable PDF. It reports whether the file is unusually large.
func (v *Validator) ValidatePDFPath(path string) (large bool, err error) {
	if strings.TrimSpace(path) == "" {
		return false, domain.ValidationError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, domain.ValidationError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return false, domain.ValidationError(fmt.Sprintf("cannot access file: %s", path), err)
	}

	if info.IsDir() {
		return false, domain.ValidationError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".pdf" {
		return false, domain.ValidationError(fmt.Sprintf("file is not a PDF (has extension %s)", ext), nil)
	}

	file, err := os.Open(path)
	if err != nil {
		return false, domain.ValidationError(fmt.Sprintf("cannot open file: %s", path), err)
	}
	defer file.Close()

	header := make([]byte, 5)
	if n, _ := file.Read(header); n < 5 || string(header) != "%PDF-" {
		return false, domain.ValidationError(fmt.Sprintf("file has no PDF header: %s", path), nil)
	}

	return info.Size() > maxSize, nil
}

// ValidateQuality validates image quality parameter
func (v *Validator) ValidateQuality(quality int) error {
	if quality < 1 || quality > 100 {
		return domain.ValidationError(fmt.Sprintf("quality must be between 1 and 100, got %d", quality), nil)
	}
	return nil
}
