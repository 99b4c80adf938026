package cdse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/labif/clms-ndvi/internal/cache"
	"github.com/labif/clms-ndvi/internal/qc"
)

// PublicClientID is the OAuth2 client of the Copernicus Data Space public API.
const PublicClientID = "cdse-public"

var ErrProductNotFound = errors.New("product not found in catalogue")

type Config struct {
	Username    string
	Password    string
	TokenURL    string
	ODataURL    string
	DownloadURL string
}

// Product is the part of an OData product record the downloader needs.
type Product struct {
	ID            string `json:"Id"`
	Name          string `json:"Name"`
	S3Path        string `json:"S3Path"`
	ContentLength int64  `json:"ContentLength"`
}

type odataResponse struct {
	Value []Product `json:"value"`
}

// Client talks to the catalogue and download services with a bearer token obtained
// by the password grant. The token is refreshed transparently.
type Client struct {
	cfg      Config
	http     *http.Client
	products cache.CacheService[Product]
	progress bool
	logger   *zap.Logger
}

type Option func(*Client)

// WithHTTPClient sets the transport used for the token exchange and every request.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithProductCache remembers product lookups between runs.
func WithProductCache(c cache.CacheService[Product]) Option {
	return func(cl *Client) { cl.products = c }
}

func WithProgress(enabled bool) Option {
	return func(cl *Client) { cl.progress = enabled }
}

func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// NewClient exchanges the credentials for an access token.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, qc.ConfigError("cdse", "username and password are required")
	}
	c := &Client{cfg: cfg, http: http.DefaultClient, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}

	oc := &oauth2.Config{
		ClientID: PublicClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := oc.PasswordCredentialsToken(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve access token: %w", err)
	}
	c.logger.Debug("Access token retrieved", zap.Time("expiry", tok.Expiry))
	c.http = oc.Client(ctx, tok)
	return c, nil
}

// Lookup finds the product record by its exact catalogue name.
func (c *Client) Lookup(ctx context.Context, name string) (Product, error) {
	var key string
	if c.products != nil {
		key = c.products.GenerateKey(name)
		if p, ok := c.products.Get(key); ok {
			return p, nil
		}
	}

	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("Name eq '%s'", strings.ReplaceAll(name, "'", "''")))
	endpoint := strings.TrimSuffix(c.cfg.ODataURL, "/") + "/Products?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Product{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Product{}, qc.IOError("lookup", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Product{}, qc.IOError("lookup", name, fmt.Errorf("failed to retrieve product details, status code: %d", resp.StatusCode))
	}

	var body odataResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Product{}, qc.IOError("lookup", name, fmt.Errorf("failed to decode product details: %w", err))
	}
	if len(body.Value) == 0 {
		return Product{}, fmt.Errorf("%s: %w", name, ErrProductNotFound)
	}

	p := body.Value[0]
	if c.products != nil {
		if err := c.products.Set(key, p); err != nil {
			c.logger.Warn("Failed to cache product details", zap.String("product", name), zap.Error(err))
		}
	}
	return p, nil
}
