package filter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labif/clms-ndvi/internal/qc"
)

// Outcome is what happened to one file.
type Outcome struct {
	File     string
	Output   string
	Err      error
	Kind     qc.Kind
	Skipped  bool
	Kept     int
	Excluded int
	Stages   []qc.StageStats
	Duration time.Duration
}

func (o Outcome) OK() bool { return o.Err == nil }

// Summary collects the outcomes of one run.
type Summary struct {
	RunID    string
	Started  time.Time
	Elapsed  time.Duration
	Outcomes []Outcome
}

func (s *Summary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the outcomes of files that were attempted and failed.
func (s *Summary) Failed() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if !o.OK() && !o.Skipped {
			out = append(out, o)
		}
	}
	return out
}

func (s *Summary) Skipped() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Skipped {
			n++
		}
	}
	return n
}

// Err is nil when every file was filtered.
func (s *Summary) Err() error {
	failed := s.Failed()
	skipped := s.Skipped()
	if len(failed) == 0 && skipped == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed)+1)
	for _, o := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", o.File, o.Err))
	}
	for _, o := range s.Outcomes {
		if o.Skipped {
			errs = append(errs, o.Err)
			break
		}
	}
	return fmt.Errorf("%d of %d files failed, %d skipped: %w",
		len(failed), len(s.Outcomes), skipped, errors.Join(errs...))
}

// String renders the summary as a short human-readable report.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %d filtered, %d failed, %d skipped in %s",
		s.RunID, s.Succeeded(), len(s.Failed()), s.Skipped(), s.Elapsed.Round(time.Second))
	for _, o := range s.Failed() {
		fmt.Fprintf(&b, "\n- %s [%s]: %v", o.File, o.Kind, o.Err)
	}
	return b.String()
}
