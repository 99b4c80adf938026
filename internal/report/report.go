package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/filter"
)

// FileName of the run history kept in the Ancillary directory.
const FileName = "filter_report.csv"

const (
	StatusFiltered = "filtered"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Record is one file of one run.
type Record struct {
	RunID      string    `csv:"run_id"`
	File       string    `csv:"file"`
	Status     string    `csv:"status"`
	Kind       string    `csv:"kind"`
	Kept       int       `csv:"kept"`
	Excluded   int       `csv:"excluded"`
	DurationMs int64     `csv:"duration_ms"`
	Error      string    `csv:"error"`
	CreatedAt  time.Time `csv:"created_at"`
}

// FromSummary turns every outcome of s into a record.
func FromSummary(s *filter.Summary) []Record {
	now := time.Now().UTC()
	records := make([]Record, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		r := Record{
			RunID:      s.RunID,
			File:       o.File,
			Status:     StatusFiltered,
			Kind:       string(o.Kind),
			Kept:       o.Kept,
			Excluded:   o.Excluded,
			DurationMs: o.Duration.Milliseconds(),
			CreatedAt:  now,
		}
		switch {
		case o.Skipped:
			r.Status = StatusSkipped
		case o.Err != nil:
			r.Status = StatusFailed
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		records = append(records, r)
	}
	return records
}

// Load reads the history at path. A missing file is an empty history.
func Load(path string) ([]Record, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	defer file.Close()

	var records []Record
	if err := gocsv.UnmarshalFile(file, &records); err != nil {
		if err == gocsv.ErrEmptyCSVFile {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return records, nil
}

// Append adds records to the history at path, rewriting it atomically.
func Append(path string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	existing, err := Load(path)
	if err != nil {
		return err
	}
	all := append(existing, records...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report folder: %w", err)
	}
	tmp := files.PartialName(path)
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := gocsv.MarshalFile(&all, file); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
