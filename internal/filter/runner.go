package filter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/qc"
	"github.com/labif/clms-ndvi/internal/raster"
)

// DefaultMaxStripRows bounds how many grid rows of the four variables are held in memory per file.
const DefaultMaxStripRows = 32

// CommitHook runs after an output has been committed. Its failure is logged, not fatal.
type CommitHook func(ctx context.Context, output string) error

// Runner filters every pending raw file of inputDir into outputDir.
type Runner struct {
	cfg       qc.Config
	backend   Backend
	inputDir  string
	outputDir string

	workers      int
	failFast     bool
	maxStripRows int
	progress     bool
	afterCommit  CommitHook
	logger       *zap.Logger
}

type Option func(*Runner)

// WithWorkers sets how many files are filtered concurrently. Each worker holds at most one open file.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithFailFast stops submitting files after the first failure.
func WithFailFast(enabled bool) Option {
	return func(r *Runner) { r.failFast = enabled }
}

func WithMaxStripRows(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxStripRows = n
		}
	}
}

func WithProgress(enabled bool) Option {
	return func(r *Runner) { r.progress = enabled }
}

func WithCommitHook(hook CommitHook) Option {
	return func(r *Runner) { r.afterCommit = hook }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner(cfg qc.Config, backend Backend, inputDir, outputDir string, opts ...Option) *Runner {
	r := &Runner{
		cfg:          cfg,
		backend:      backend,
		inputDir:     inputDir,
		outputDir:    outputDir,
		workers:      1,
		maxStripRows: DefaultMaxStripRows,
		progress:     true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles the directories and filters the pending files. It returns qc.ErrNoInput or
// qc.ErrNoPendingWork without a summary when there is nothing to do.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	r.logConfig()
	pending, err := files.Pending(r.inputDir, r.outputDir, r.logger)
	if err != nil {
		return nil, err
	}
	return r.RunFiles(ctx, pending), nil
}

func (r *Runner) logConfig() {
	if r.cfg.UncertaintyEnabled() {
		r.logger.Info("Uncertainty filter enabled", zap.Float64("exclude_at_or_above", r.cfg.UncertaintyThreshold()))
	} else {
		r.logger.Warn("Uncertainty filter disabled")
	}
	if r.cfg.NOBSEnabled() {
		r.logger.Info("NOBS filter enabled", zap.Int("exclude_below", r.cfg.NOBSThreshold()))
	} else {
		r.logger.Warn("NOBS filter disabled")
	}
	if bits := r.cfg.RejectBits(); len(bits) > 0 {
		r.logger.Info("QFLAG filter enabled", zap.Ints("reject_bits", bits))
	} else {
		r.logger.Warn("QFLAG filter disabled")
	}
}

// RunFiles filters names, which are relative to the input directory, and reports one
// outcome per name in the same order.
func (r *Runner) RunFiles(ctx context.Context, names []string) *Summary {
	summary := &Summary{
		RunID:    uuid.NewString(),
		Started:  time.Now(),
		Outcomes: make([]Outcome, len(names)),
	}
	logger := r.logger.With(zap.String("run_id", summary.RunID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bar *progressbar.ProgressBar
	if r.progress {
		bar = progressbar.Default(int64(len(names)), "Filtering")
	} else {
		bar = progressbar.DefaultSilent(int64(len(names)))
	}

	var mu sync.Mutex
	wp := workerpool.New(r.workers)
	for i, name := range names {
		wp.Submit(func() {
			var out Outcome
			if err := ctx.Err(); err != nil {
				out = Outcome{File: name, Err: err, Kind: qc.KindCanceled, Skipped: true}
			} else {
				logger.Info("Processing file", zap.Int("n", i+1), zap.Int("of", len(names)), zap.String("file", name))
				out = r.processFile(ctx, name, logger)
				if out.Err != nil && r.failFast {
					cancel()
				}
			}

			mu.Lock()
			summary.Outcomes[i] = out
			bar.Add(1)
			mu.Unlock()
		})
	}
	wp.StopWait()
	bar.Finish()

	summary.Elapsed = time.Since(summary.Started)
	logger.Info("Run finished",
		zap.Int("succeeded", summary.Succeeded()),
		zap.Int("failed", len(summary.Failed())),
		zap.Int("skipped", summary.Skipped()),
		zap.Duration("elapsed", summary.Elapsed))
	return summary
}

// ProcessFile filters a single raw file.
func (r *Runner) ProcessFile(ctx context.Context, name string) Outcome {
	return r.processFile(ctx, name, r.logger)
}

func (r *Runner) processFile(ctx context.Context, name string, logger *zap.Logger) Outcome {
	start := time.Now()
	out := Outcome{File: name, Output: filepath.Join(r.outputDir, name)}
	logger = logger.With(zap.String("file", name))

	err := r.process(ctx, filepath.Join(r.inputDir, name), &out, logger)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = err
		out.Kind = qc.KindOf(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			out.Kind = qc.KindCanceled
		}
		logger.Error("Failed to filter file", zap.String("kind", string(out.Kind)), zap.Error(err))
		return out
	}

	for _, s := range out.Stages {
		logger.Debug("Stage finished",
			zap.String("stage", s.Stage),
			zap.Int("excluded", s.Excluded),
			zap.Duration("elapsed", s.Elapsed))
	}
	logger.Info("File filtered",
		zap.String("output", out.Output),
		zap.Int("kept", out.Kept),
		zap.Int("excluded", out.Excluded),
		zap.Duration("elapsed", out.Duration))

	if r.afterCommit != nil {
		if err := r.afterCommit(ctx, out.Output); err != nil {
			logger.Warn("Post-commit step failed", zap.Error(err))
		}
	}
	return out
}

func (r *Runner) process(ctx context.Context, input string, out *Outcome, logger *zap.Logger) error {
	src, err := r.backend.Open(input)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("Failed to close raw file", zap.Error(err))
		}
	}()

	pipe, err := qc.NewPipeline(r.cfg, src.Metadata())
	if err != nil {
		return fmt.Errorf("failed to build filters for %s: %w", input, err)
	}

	sink, err := r.backend.Create(out.Output, src, pipe.Sentinel())
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := sink.Abort(); err != nil {
			logger.Warn("Failed to discard partial output", zap.Error(err))
		}
	}()

	layout := src.Layout()
	step := stripRows(layout.BlockHeight, r.maxStripRows)
	for row := 0; row < layout.Height; row += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(step, layout.Height-row)
		tile, err := src.ReadStrip(row, n)
		if err != nil {
			return err
		}
		values, keep := pipe.Filter(tile)
		kept := keep.Kept()
		out.Kept += kept
		out.Excluded += len(keep) - kept
		if err := sink.WriteStrip(row, values); err != nil {
			return err
		}
	}

	if err := sink.Commit(); err != nil {
		return err
	}
	committed = true
	out.Stages = pipe.Stats()
	return nil
}

// stripRows is the largest multiple of the source block height not above limit, so strips
// follow the chunk layout of the raw file.
func stripRows(blockHeight, limit int) int {
	if limit < 1 {
		limit = 1
	}
	if blockHeight < 1 {
		return limit
	}
	if blockHeight >= limit {
		return limit
	}
	return limit / blockHeight * blockHeight
}

// compile-time checks
var (
	_ Source = (*raster.Dataset)(nil)
	_ Sink   = (*raster.Writer)(nil)
)
