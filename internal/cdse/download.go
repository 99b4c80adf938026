package cdse

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/labif/clms-ndvi/internal/catalog"
	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/qc"
)

// Download fetches the payload of p into dir and returns the netCDF files it produced.
// Zipped payloads are unpacked; every file appears under its final name only once complete.
func (c *Client) Download(ctx context.Context, p Product, dir string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/Products(%s)/$value", strings.TrimSuffix(c.cfg.DownloadURL, "/"), p.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, qc.IOError("download", p.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, qc.IOError("download", p.Name, fmt.Errorf("status code %d", resp.StatusCode))
	}

	payload := filepath.Join(dir, "."+p.ID+".partial")
	defer os.Remove(payload)
	if err := c.save(resp, p.Name, payload); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(payload)
	if errors.Is(err, zip.ErrFormat) {
		dest := filepath.Join(dir, catalog.FileName(p.Name))
		if err := os.Rename(payload, dest); err != nil {
			return nil, qc.IOError("rename", dest, err)
		}
		return []string{dest}, nil
	}
	if err != nil {
		return nil, qc.IOError("unzip", payload, err)
	}
	defer zr.Close()

	var out []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(f.Name), files.Extension) {
			continue
		}
		dest := filepath.Join(dir, filepath.Base(f.Name))
		if err := extract(f, dest); err != nil {
			return out, err
		}
		out = append(out, dest)
	}
	if len(out) == 0 {
		return nil, qc.IOError("unzip", p.Name, errors.New("payload holds no netCDF file"))
	}
	return out, nil
}

func (c *Client) save(resp *http.Response, name, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return qc.IOError("create", dest, err)
	}
	var bar *progressbar.ProgressBar
	if c.progress {
		bar = progressbar.DefaultBytes(resp.ContentLength, name)
	} else {
		bar = progressbar.DefaultBytesSilent(resp.ContentLength, name)
	}
	_, err = io.Copy(io.MultiWriter(f, bar), resp.Body)
	bar.Finish()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return qc.IOError("download", name, err)
	}
	return nil
}

func extract(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return qc.IOError("unzip", f.Name, err)
	}
	defer rc.Close()

	tmp := files.PartialName(dest)
	out, err := os.Create(tmp)
	if err != nil {
		return qc.IOError("create", tmp, err)
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return qc.IOError("unzip", f.Name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return qc.IOError("rename", dest, err)
	}
	return nil
}

// Failure is one product that could not be downloaded.
type Failure struct {
	Product string
	Err     error
}

// DownloadAll looks up and downloads every named product into dir with at most
// workers concurrent transfers. One product failing does not stop the others.
func (c *Client) DownloadAll(ctx context.Context, names []string, dir string, workers int) ([]string, error) {
	if workers < 1 {
		workers = 1
	}
	var (
		mu         sync.Mutex
		downloaded []string
		failed     []Failure
		done       int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range names {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Info("Downloading product", zap.String("product", name))
			got, err := c.fetch(ctx, name, dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Error("Download failed", zap.String("product", name), zap.Error(err))
				failed = append(failed, Failure{Product: name, Err: err})
				return nil
			}
			downloaded = append(downloaded, got...)
			done++
			c.logger.Info("Product downloaded",
				zap.String("product", name),
				zap.Int("downloaded", done),
				zap.Int("remaining", len(names)-done-len(failed)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return downloaded, err
	}
	if len(failed) > 0 {
		errs := make([]error, len(failed))
		for i, f := range failed {
			errs[i] = fmt.Errorf("%s: %w", f.Product, f.Err)
		}
		return downloaded, fmt.Errorf("download incomplete (%d files failed): %w", len(failed), errors.Join(errs...))
	}
	return downloaded, nil
}

func (c *Client) fetch(ctx context.Context, name, dir string) ([]string, error) {
	p, err := c.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Download(ctx, p, dir)
}
