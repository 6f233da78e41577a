package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"foreman/internal/workorder"
)

// ScanResult summarizes a startup integrity pass over the work-order
// directory.
type ScanResult struct {
	TotalFiles     int      `json:"total_files"`
	ValidCount     int      `json:"valid_count"`
	InvalidCount   int      `json:"invalid_count"`
	CorruptedFiles []string `json:"corrupted_files,omitempty"`
	DurationMs     int64    `json:"duration_ms"`
}

// ScanMode selects how a scan reacts to a corrupt record.
type ScanMode int

const (
	// ScanLogAndContinue records corrupt files and keeps going.
	ScanLogAndContinue ScanMode = iota
	// ScanFailFast aborts on the first corrupt file.
	ScanFailFast
)

var validStatuses = map[workorder.Status]bool{
	workorder.StatusQueued:             true,
	workorder.StatusRunning:            true,
	workorder.StatusWaitingForChildren: true,
	workorder.StatusIntegrating:        true,
	workorder.StatusSucceeded:          true,
	workorder.StatusFailed:             true,
	workorder.StatusCanceled:           true,
}

// Scan validates every work-order record on disk. In ScanFailFast mode the
// first corrupt record aborts with an error; otherwise corruption is
// collected into the result and the caller decides what to do.
func (s *FileStore) Scan(mode ScanMode) (*ScanResult, error) {
	start := time.Now()
	result := &ScanResult{}

	dir := filepath.Join(s.dir, workOrdersDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		result.TotalFiles++

		path := filepath.Join(dir, entry.Name())
		if err := validateWorkOrderFile(path); err != nil {
			result.InvalidCount++
			result.CorruptedFiles = append(result.CorruptedFiles, entry.Name())
			if mode == ScanFailFast {
				result.DurationMs = time.Since(start).Milliseconds()
				return result, fmt.Errorf("store: corrupt record %s: %w", entry.Name(), err)
			}
			s.logger.Warn("Corrupt work order record %s: %v", entry.Name(), err)
			continue
		}
		result.ValidCount++
	}

	result.DurationMs = time.Since(start).Milliseconds()
	s.logger.Info("Store scan: %d files, %d valid, %d invalid (%dms)",
		result.TotalFiles, result.ValidCount, result.InvalidCount, result.DurationMs)
	return result, nil
}

func validateWorkOrderFile(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var wo workorder.WorkOrder
	if err := json.Unmarshal(payload, &wo); err != nil {
		return err
	}
	if wo.ID == "" {
		return fmt.Errorf("missing id")
	}
	if !validStatuses[wo.Status] {
		return fmt.Errorf("unknown status %q", wo.Status)
	}
	expected := wo.ID + ".json"
	if filepath.Base(path) != expected {
		return fmt.Errorf("file name does not match record id %q", wo.ID)
	}
	return nil
}
