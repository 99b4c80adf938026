package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/labif/clms-ndvi/internal/filter"
	"github.com/labif/clms-ndvi/internal/properties"
	"github.com/labif/clms-ndvi/internal/qc"
	"github.com/labif/clms-ndvi/internal/quicklook"
	"github.com/labif/clms-ndvi/internal/raster"
	"github.com/labif/clms-ndvi/internal/report"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Filter every raw product that has no filtered counterpart yet",
	Long: `Reads each pending raw product, excludes pixels whose index is a reserved
code, whose uncertainty reaches the threshold, whose observation count is below
the threshold or whose quality flag has a rejected bit set, and writes the
filtered index with excluded pixels set to the no-data value.

Exits with status 1 when there is no input, nothing left to filter, the
configuration is invalid or any file failed.`,
	RunE: runFilter,
}

func init() {
	f := filterCmd.Flags()
	f.Bool("uncertainty", true, "enable the uncertainty filter")
	f.Bool("no-uncertainty", false, "disable the uncertainty filter")
	f.Float64("uncertainty-threshold", qc.DefaultUncertaintyThreshold, "fraction of the uncertainty valid maximum at or above which pixels are excluded")
	f.Bool("nobs", true, "enable the observation-count filter")
	f.Bool("no-nobs", false, "disable the observation-count filter")
	f.Int("nobs-threshold", qc.DefaultNOBSThreshold, "minimum number of observations")
	f.StringSlice("reject-bits", []string{"0", "1", "2", "3", "4", "5", "6", "7"}, "quality-flag bits that exclude a pixel; --reject-bits= disables the filter")
	f.String("input-dir", "", "raw product directory (default <root>/Outputs_downloaded)")
	f.String("output-dir", "", "filtered product directory (default <root>/Outputs_filtered)")
	f.Int("workers", 1, "files filtered concurrently")
	f.Bool("fail-fast", false, "stop at the first failed file")
	f.Bool("quicklook", false, "write a PNG preview of each filtered file")
	f.Bool("progress", true, "show a progress bar")
}

// parseRejectBits turns flag values into bit numbers. "none" or an empty list selects no bit.
func parseRejectBits(values []string) ([]int, error) {
	bits := []int{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, "none") {
			continue
		}
		b, err := strconv.Atoi(v)
		if err != nil {
			return nil, qc.ConfigError("reject_bits", "%q is not a bit number", v)
		}
		bits = append(bits, b)
	}
	return bits, nil
}

// applyFilterFlags overrides p with every flag set on the command line.
func applyFilterFlags(f *pflag.FlagSet, p *properties.Properties) error {
	var err error
	if f.Changed("uncertainty") {
		p.Filter.Uncertainty, _ = f.GetBool("uncertainty")
	}
	if no, _ := f.GetBool("no-uncertainty"); no {
		p.Filter.Uncertainty = false
	}
	if f.Changed("uncertainty-threshold") {
		p.Filter.UncertaintyThreshold, _ = f.GetFloat64("uncertainty-threshold")
	}
	if f.Changed("nobs") {
		p.Filter.NOBS, _ = f.GetBool("nobs")
	}
	if no, _ := f.GetBool("no-nobs"); no {
		p.Filter.NOBS = false
	}
	if f.Changed("nobs-threshold") {
		p.Filter.NOBSThreshold, _ = f.GetInt("nobs-threshold")
	}
	if f.Changed("reject-bits") {
		values, _ := f.GetStringSlice("reject-bits")
		if p.Filter.RejectBits, err = parseRejectBits(values); err != nil {
			return err
		}
	}
	if f.Changed("input-dir") {
		p.InputDir, _ = f.GetString("input-dir")
	}
	if f.Changed("output-dir") {
		p.OutputDir, _ = f.GetString("output-dir")
	}
	if f.Changed("workers") {
		p.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("fail-fast") {
		p.FailFast, _ = f.GetBool("fail-fast")
	}
	if f.Changed("quicklook") {
		p.Quicklook, _ = f.GetBool("quicklook")
	}
	return nil
}

func runFilter(cmd *cobra.Command, args []string) error {
	p, err := loadProperties()
	if err != nil {
		return err
	}
	if err := applyFilterFlags(cmd.Flags(), &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	cfg, err := p.FilterConfig()
	if err != nil {
		return err
	}

	dirs := p.Directories()
	if err := dirs.Ensure(logger); err != nil {
		return err
	}
	raster.Register()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress, _ := cmd.Flags().GetBool("progress")
	opts := []filter.Option{
		filter.WithLogger(logger),
		filter.WithWorkers(p.Workers),
		filter.WithFailFast(p.FailFast),
		filter.WithMaxStripRows(p.MaxStripRows),
		filter.WithProgress(progress),
	}
	if p.Quicklook {
		gen := quicklook.Generator{Dir: filepath.Join(p.OutputPath(), "quicklooks"), Logger: logger}
		opts = append(opts, filter.WithCommitHook(gen.Generate))
	}
	backend := filter.GDALBackend{
		WriterOptions: []raster.WriterOption{raster.WithCompressionLevel(p.Compression)},
	}
	runner := filter.NewRunner(cfg, backend, p.InputPath(), p.OutputPath(), opts...)
	discord := notifier(p)

	summary, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, qc.ErrNoPendingWork) {
			notify(ctx, discord.SendWarning, fmt.Sprintf("CLMS NDVI filter\n\n%v", err))
		} else {
			notify(ctx, discord.SendError, fmt.Sprintf("CLMS NDVI filter\n\n%v", err))
		}
		return err
	}

	reportPath := filepath.Join(dirs.Ancillary, report.FileName)
	if err := report.Append(reportPath, report.FromSummary(summary)); err != nil {
		logger.Warn("Failed to update run report", zap.String("path", reportPath), zap.Error(err))
	}
	fmt.Fprintln(cmd.OutOrStdout(), summary.String())

	if err := summary.Err(); err != nil {
		notify(ctx, discord.SendError, "CLMS NDVI filter\n\n"+summary.String())
		return err
	}
	notify(ctx, discord.SendSuccess, "CLMS NDVI filter\n\n"+summary.String())
	return nil
}

// notify sends a run message, logging instead of failing when the webhook is unreachable.
func notify(ctx context.Context, send func(context.Context, string) error, msg string) {
	if err := send(context.WithoutCancel(ctx), msg); err != nil {
		logger.Warn("Failed to send notification", zap.Error(err))
	}
}
