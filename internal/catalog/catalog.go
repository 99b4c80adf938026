package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/qc"
)

// NameSuffix ends every product name in the catalogue.
const NameSuffix = "_nc"

type Entry struct {
	Name string `csv:"name"`
}

// Fetch downloads the catalogue at url into dir and returns the local path.
func Fetch(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build catalogue request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", qc.IOError("fetch", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", qc.IOError("fetch", url, fmt.Errorf("status code %d", resp.StatusCode))
	}

	dest := filepath.Join(dir, path.Base(req.URL.Path))
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", qc.IOError("create", tmp, err)
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", qc.IOError("write", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", qc.IOError("rename", dest, err)
	}
	return dest, nil
}

// Read parses the catalogue file at p.
func Read(p string, column int) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, qc.IOError("open", p, err)
	}
	defer f.Close()
	names, err := Parse(f, column)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return names, nil
}

// Parse returns the product names held in the zero-based column of a
// semicolon-separated catalogue. The first row is the catalogue's header and is
// never returned, whatever its labels.
func Parse(r io.Reader, column int) ([]string, error) {
	if column < 0 {
		return nil, qc.ConfigError("column", "%d is negative", column)
	}
	var entries []Entry
	if err := gocsv.UnmarshalCSV(newColumnReader(r, column), &entries); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if n := strings.TrimSpace(e.Name); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// columnReader projects one column of the catalogue, replacing the file's header
// row with the single label "name".
type columnReader struct {
	r      *csv.Reader
	column int
	header bool
}

func newColumnReader(r io.Reader, column int) *columnReader {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return &columnReader{r: cr, column: column}
}

func (c *columnReader) Read() ([]string, error) {
	record, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	if c.column >= len(record) {
		line, _ := c.r.FieldPos(0)
		return nil, fmt.Errorf("line %d has %d columns, want column %d", line, len(record), c.column)
	}
	if !c.header {
		c.header = true
		return []string{"name"}, nil
	}
	return []string{record[c.column]}, nil
}

func (c *columnReader) ReadAll() ([][]string, error) {
	var rows [][]string
	for {
		row, err := c.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// ProductName maps a local file name to its catalogue name.
func ProductName(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName)) + NameSuffix
}

// FileName maps a catalogue name to the local file name of its payload.
func FileName(productName string) string {
	return strings.TrimSuffix(productName, NameSuffix) + files.Extension
}

// Downloaded lists the products already present in dir, as catalogue names.
func Downloaded(dir string) ([]string, error) {
	local, err := files.List(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(local))
	for i, n := range local {
		names[i] = ProductName(n)
	}
	return names, nil
}

// Pending returns the catalogue products not yet downloaded, in catalogue order,
// capped at limit when limit is positive.
func Pending(available, downloaded []string, limit int) []string {
	pending := files.Reconcile(available, downloaded)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending
}
