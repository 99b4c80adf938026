package properties

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/qc"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CLMS"

const (
	DefaultCatalogURL  = "https://s3.waw3-1.cloudferro.com/swift/v1/CatalogueCSV/bio-geophysical/vegetation_indices/ndvi_global_300m_10daily_v3/ndvi_global_300m_10daily_v3_nc.csv"
	DefaultTokenURL    = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	DefaultODataURL    = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	DefaultDownloadURL = "https://download.dataspace.copernicus.eu/odata/v1"
)

type Color struct {
	R, G, B uint8
}

// ColorMap holds the fixed colours of the quicklook previews.
var ColorMap = map[string]Color{
	"excluded": {128, 128, 128},
}

// Properties is the run configuration of both commands. Environment keys are derived from
// the field path under EnvPrefix, e.g. CLMS_FILTER_NOBS_THRESHOLD. No field may carry an
// envconfig tag: envconfig also reads the bare tag name (USERNAME, WORKERS) when the
// prefixed key is unset.
type Properties struct {
	RootPath  string `yaml:"root_path" split_words:"true"`
	InputDir  string `yaml:"input_dir" split_words:"true"`
	OutputDir string `yaml:"output_dir" split_words:"true"`

	Workers      int  `yaml:"workers" split_words:"true" validate:"min=1,max=64"`
	FailFast     bool `yaml:"fail_fast" split_words:"true"`
	Quicklook    bool `yaml:"quicklook" split_words:"true"`
	MaxStripRows int  `yaml:"max_strip_rows" split_words:"true" validate:"min=1,max=4096"`
	Compression  int  `yaml:"compression" split_words:"true" validate:"min=1,max=9"`

	Filter   FilterProperties   `yaml:"filter"`
	Download DownloadProperties `yaml:"download"`
	CDSE     CDSEProperties     `yaml:"cdse"`
	Discord  DiscordProperties  `yaml:"discord"`
}

type FilterProperties struct {
	Uncertainty          bool    `yaml:"uncertainty" split_words:"true"`
	UncertaintyThreshold float64 `yaml:"uncertainty_threshold" split_words:"true" validate:"min=0,max=1"`
	NOBS                 bool    `yaml:"nobs" split_words:"true"`
	NOBSThreshold        int     `yaml:"nobs_threshold" split_words:"true" validate:"min=0,max=32"`
	RejectBits           []int   `yaml:"reject_bits" split_words:"true" validate:"dive,min=0,max=7"`
}

type DownloadProperties struct {
	CatalogURL string `yaml:"catalog_url" split_words:"true" validate:"required,url"`
	// Column is the zero-based catalogue column holding product names.
	Column  int `yaml:"column" split_words:"true" validate:"min=0"`
	Limit   int `yaml:"limit" split_words:"true" validate:"min=0"`
	Workers int `yaml:"workers" split_words:"true" validate:"min=1,max=8"`
}

type CDSEProperties struct {
	Username     string `yaml:"username" split_words:"true"`
	Password     string `yaml:"-" split_words:"true"`
	TokenURL     string `yaml:"token_url" split_words:"true" validate:"required,url"`
	CatalogueURL string `yaml:"catalogue_url" split_words:"true" validate:"required,url"`
	DownloadURL  string `yaml:"download_url" split_words:"true" validate:"required,url"`
}

type DiscordProperties struct {
	ErrorNotificationURL   string `yaml:"error_notification_url" split_words:"true" validate:"omitempty,url"`
	SuccessNotificationURL string `yaml:"success_notification_url" split_words:"true" validate:"omitempty,url"`
}

// Default returns the built-in configuration rooted at the working directory.
func Default() Properties {
	return Properties{
		RootPath:     ".",
		Workers:      1,
		MaxStripRows: 32,
		Compression:  4,
		Filter: FilterProperties{
			Uncertainty:          true,
			UncertaintyThreshold: qc.DefaultUncertaintyThreshold,
			NOBS:                 true,
			NOBSThreshold:        qc.DefaultNOBSThreshold,
			RejectBits:           qc.DefaultRejectBits(),
		},
		Download: DownloadProperties{
			CatalogURL: DefaultCatalogURL,
			Column:     1,
			Workers:    1,
		},
		CDSE: CDSEProperties{
			TokenURL:     DefaultTokenURL,
			CatalogueURL: DefaultODataURL,
			DownloadURL:  DefaultDownloadURL,
		},
	}
}

// LoadDotEnv loads .env from the working directory or its parent when present.
func LoadDotEnv() error {
	for _, p := range []string{".env", "../.env"} {
		err := godotenv.Load(p)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return qc.ConfigError("dotenv", "failed to load %s: %v", p, err)
		}
	}
	return nil
}

// Load layers the defaults, the optional YAML file at configFile and the CLMS_* environment.
// Command-line overrides are applied by the caller before Validate.
func Load(configFile string) (Properties, error) {
	p := Default()
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return Properties{}, qc.ConfigError("config", "failed to read %s: %v", configFile, err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Properties{}, qc.ConfigError("config", "failed to parse %s: %v", configFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &p); err != nil {
		return Properties{}, qc.ConfigError("env", "%v", err)
	}
	return p, nil
}

var validate = validator.New()

// Validate checks every bound. Each violation becomes one configuration error.
func (p Properties) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return qc.ConfigError("properties", "%v", err)
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, qc.ConfigError(fe.Namespace(), "%v fails %s", fe.Value(), constraint(fe)))
	}
	return errors.Join(errs...)
}

func constraint(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}

// FilterConfig builds the immutable filter configuration.
func (p Properties) FilterConfig() (qc.Config, error) {
	f := p.Filter
	return qc.NewConfig(
		qc.WithUncertainty(f.Uncertainty, f.UncertaintyThreshold),
		qc.WithNOBS(f.NOBS, f.NOBSThreshold),
		qc.WithRejectBits(f.RejectBits...),
	)
}

// Directories returns the working tree under RootPath.
func (p Properties) Directories() files.Directories {
	return files.NewDirectories(filepath.Clean(p.RootPath))
}

// InputPath is the raw product directory, Outputs_downloaded unless overridden.
func (p Properties) InputPath() string {
	if p.InputDir != "" {
		return p.InputDir
	}
	return p.Directories().Downloaded
}

// OutputPath is the filtered product directory, Outputs_filtered unless overridden.
func (p Properties) OutputPath() string {
	if p.OutputDir != "" {
		return p.OutputDir
	}
	return p.Directories().Filtered
}

// HasCredentials reports whether CDSE credentials are configured.
func (p Properties) HasCredentials() bool {
	return p.CDSE.Username != "" && p.CDSE.Password != ""
}
