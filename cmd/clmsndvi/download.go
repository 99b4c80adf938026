package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/labif/clms-ndvi/internal/cache"
	"github.com/labif/clms-ndvi/internal/catalog"
	"github.com/labif/clms-ndvi/internal/cdse"
	"github.com/labif/clms-ndvi/internal/properties"
	"github.com/labif/clms-ndvi/internal/qc"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download every catalogue product missing from the raw directory",
	Long: `Fetches the product catalogue, compares it with the raw directory and
downloads the missing products from the Copernicus Data Space Ecosystem.

Credentials are read from CLMS_CDSE_USERNAME and CLMS_CDSE_PASSWORD.`,
	RunE: runDownload,
}

func init() {
	f := downloadCmd.Flags()
	f.String("catalog-url", properties.DefaultCatalogURL, "product catalogue CSV")
	f.Int("column", 1, "zero-based catalogue column holding the product names")
	f.Int("limit", 0, "download at most this many products (0 for all)")
	f.Int("workers", 1, "concurrent downloads")
	f.String("output-dir", "", "raw product directory (default <root>/Outputs_downloaded)")
}

func applyDownloadFlags(f *pflag.FlagSet, p *properties.Properties) {
	if f.Changed("catalog-url") {
		p.Download.CatalogURL, _ = f.GetString("catalog-url")
	}
	if f.Changed("column") {
		p.Download.Column, _ = f.GetInt("column")
	}
	if f.Changed("limit") {
		p.Download.Limit, _ = f.GetInt("limit")
	}
	if f.Changed("workers") {
		p.Download.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("output-dir") {
		p.InputDir, _ = f.GetString("output-dir")
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	p, err := loadProperties()
	if err != nil {
		return err
	}
	applyDownloadFlags(cmd.Flags(), &p)
	if err := p.Validate(); err != nil {
		return err
	}
	if !p.HasCredentials() {
		return qc.ConfigError("cdse", "CLMS_CDSE_USERNAME and CLMS_CDSE_PASSWORD are required")
	}

	dirs := p.Directories()
	if err := dirs.Ensure(logger); err != nil {
		return err
	}
	rawDir := p.InputPath()
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return qc.IOError("mkdir", rawDir, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	discord := notifier(p)

	csvPath, err := catalog.Fetch(ctx, &http.Client{Timeout: 60 * time.Second}, p.Download.CatalogURL, dirs.Inputs)
	if err != nil {
		return err
	}
	available, err := catalog.Read(csvPath, p.Download.Column)
	if err != nil {
		return err
	}
	downloaded, err := catalog.Downloaded(rawDir)
	if err != nil {
		return err
	}
	pending := catalog.Pending(available, downloaded, p.Download.Limit)
	logger.Info("Catalogue reconciled",
		zap.Int("available", len(available)),
		zap.Int("downloaded", len(downloaded)),
		zap.Int("to_download", len(pending)))
	if len(pending) == 0 {
		logger.Info("Nothing to download")
		return nil
	}

	client, err := cdse.NewClient(ctx, cdse.Config{
		Username:    p.CDSE.Username,
		Password:    p.CDSE.Password,
		TokenURL:    p.CDSE.TokenURL,
		ODataURL:    p.CDSE.CatalogueURL,
		DownloadURL: p.CDSE.DownloadURL,
	},
		cdse.WithLogger(logger),
		cdse.WithProgress(p.Download.Workers == 1),
		cdse.WithProductCache(cache.NewFileCache[cdse.Product](filepath.Join(dirs.Ancillary, "cache", "odata"))),
	)
	if err != nil {
		notify(ctx, discord.SendError, fmt.Sprintf("CLMS NDVI download\n\n%v", err))
		return err
	}

	got, err := client.DownloadAll(ctx, pending, rawDir, p.Download.Workers)
	msg := fmt.Sprintf("CLMS NDVI download\n\n%d of %d products downloaded into %s", len(got), len(pending), rawDir)
	if err != nil {
		notify(ctx, discord.SendError, fmt.Sprintf("%s\n\n%v", msg, err))
		return err
	}
	logger.Info("Download finished", zap.Int("files", len(got)))
	notify(ctx, discord.SendSuccess, msg)
	return nil
}
