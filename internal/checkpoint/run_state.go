package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spherical/batch-extractor/internal/output"
)

// RunState records the range selection of an unfinished run so that a
// resumed run can reuse it without the operator retyping the range. TaskIDs
// pins the selection: positions shift once tasks complete.
type RunState struct {
	RunID     string    `json:"run_id"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Selected  int       `json:"selected"`
	TaskIDs   []string  `json:"task_ids"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const runStateFile = "progress.json"

// LoadRunState returns the saved state, or nil when there is none.
func LoadRunState(dir string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(dir, runStateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse run state: %w", err)
	}
	return &st, nil
}

// SaveRunState atomically replaces the saved state.
func SaveRunState(dir string, st RunState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	return output.WriteFileAtomic(filepath.Join(dir, runStateFile), data)
}

// ClearRunState removes the saved state after a run finished its selection.
func ClearRunState(dir string) error {
	err := os.Remove(filepath.Join(dir, runStateFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run state: %w", err)
	}
	return nil
}
