package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/labif/clms-ndvi/internal/qc"
)

// Extension of raw and filtered products.
const Extension = ".nc"

const partialSuffix = ".partial"

// Directories is the working tree of the pipeline under one root.
type Directories struct {
	General    string
	Ancillary  string
	Inputs     string
	Downloaded string
	Filtered   string
	Scripts    string
}

func NewDirectories(root string) Directories {
	return Directories{
		General:    root,
		Ancillary:  filepath.Join(root, "Ancillary"),
		Inputs:     filepath.Join(root, "Inputs"),
		Downloaded: filepath.Join(root, "Outputs_downloaded"),
		Filtered:   filepath.Join(root, "Outputs_filtered"),
		Scripts:    filepath.Join(root, "Scripts"),
	}
}

// Ensure creates every missing directory.
func (d Directories) Ensure(logger *zap.Logger) error {
	named := []struct {
		name, path string
	}{
		{"General", d.General},
		{"Ancillary", d.Ancillary},
		{"Inputs", d.Inputs},
		{"Outputs_downloaded", d.Downloaded},
		{"Outputs_filtered", d.Filtered},
		{"Scripts", d.Scripts},
	}
	for _, n := range named {
		if n.path == "" {
			continue
		}
		if _, err := os.Stat(n.path); err == nil {
			continue
		}
		if err := os.MkdirAll(n.path, 0o755); err != nil {
			return qc.IOError("mkdir", n.path, err)
		}
		logger.Info("Created directory", zap.String("name", n.name), zap.String("path", n.path))
	}
	return nil
}

// PartialName is where a product is written before it is complete. The leading dot and
// the suffix keep it out of List.
func PartialName(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+partialSuffix)
}

// IsPartial reports whether name is an incomplete product.
func IsPartial(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, partialSuffix)
}

// List returns the names of the products in dir, sorted. Hidden files, such as uncommitted
// outputs, are ignored.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, qc.IOError("list", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), Extension) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Reconcile returns available minus processed, in the order of available.
func Reconcile(available, processed []string) []string {
	done := make(map[string]struct{}, len(processed))
	for _, p := range processed {
		done[p] = struct{}{}
	}
	pending := make([]string, 0, len(available))
	seen := make(map[string]struct{}, len(available))
	for _, a := range available {
		if _, ok := done[a]; ok {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		pending = append(pending, a)
	}
	return pending
}

// Pending lists inputDir and outputDir and returns the products still to filter.
// It fails with qc.ErrNoInput or qc.ErrNoPendingWork on the two terminal conditions.
func Pending(inputDir, outputDir string, logger *zap.Logger) ([]string, error) {
	available, err := List(inputDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Raw files available", zap.Int("count", len(available)), zap.String("dir", inputDir))
	if len(available) == 0 {
		return nil, fmt.Errorf("%w in %s", qc.ErrNoInput, inputDir)
	}

	processed, err := List(outputDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Files already filtered", zap.Int("count", len(processed)), zap.String("dir", outputDir))

	pending := Reconcile(available, processed)
	logger.Info("Files to filter", zap.Int("count", len(pending)))
	if len(pending) == 0 {
		return nil, qc.ErrNoPendingWork
	}
	return pending, nil
}
