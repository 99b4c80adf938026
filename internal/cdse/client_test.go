package cdse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labif/clms-ndvi/internal/cache"
	"github.com/labif/clms-ndvi/internal/qc"
)

const (
	zipped = "c_gls_NDVI300_202401010000_GLOBE_OLCI_V3.0.1_nc"
	plain  = "c_gls_NDVI300_202401110000_GLOBE_OLCI_V3.0.1_nc"
	broken = "c_gls_NDVI300_202401210000_GLOBE_OLCI_V3.0.1_nc"
)

type fakeCDSE struct {
	*httptest.Server
	lookups atomic.Int32
}

func zipPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"c_gls_NDVI300_202401010000_GLOBE_OLCI_V3.0.1/c_gls_NDVI300_202401010000_GLOBE_OLCI_V3.0.1.nc": "netcdf",
		"c_gls_NDVI300_202401010000_GLOBE_OLCI_V3.0.1/manifest.xml":                                    "<xml/>",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newFakeCDSE(t *testing.T) *fakeCDSE {
	t.Helper()
	payload := zipPayload(t)
	products := map[string]Product{
		zipped: {ID: "id-zip", Name: zipped, S3Path: "/eodata/CLMS/zip"},
		plain:  {ID: "id-plain", Name: plain, S3Path: "/eodata/CLMS/plain"},
		broken: {ID: "id-broken", Name: broken},
	}
	f := &fakeCDSE{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") != "password" || r.Form.Get("client_id") != PublicClientID ||
			r.Form.Get("username") != "user@example.org" || r.Form.Get("password") != "secret" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok", "token_type": "Bearer", "expires_in": 600, "refresh_token": "refresh",
		})
	})
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return false
		}
		return true
	}
	mux.HandleFunc("/odata/Products", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		f.lookups.Add(1)
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Query().Get("$filter"), "Name eq '"), "'")
		var out odataResponse
		if p, ok := products[name]; ok {
			out.Value = append(out.Value, p)
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		switch r.URL.Path {
		case "/download/Products(id-zip)/$value":
			w.Write(payload)
		case "/download/Products(id-plain)/$value":
			w.Write([]byte("CDF\x01 plain netcdf"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeCDSE) config() Config {
	return Config{
		Username:    "user@example.org",
		Password:    "secret",
		TokenURL:    f.URL + "/token",
		ODataURL:    f.URL + "/odata",
		DownloadURL: f.URL + "/download",
	}
}

func TestNewClient(t *testing.T) {
	srv := newFakeCDSE(t)

	_, err := NewClient(context.Background(), srv.config(), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	cfg := srv.config()
	cfg.Password = "wrong"
	_, err = NewClient(context.Background(), cfg, WithHTTPClient(srv.Client()))
	assert.ErrorContains(t, err, "access token")

	cfg.Password = ""
	_, err = NewClient(context.Background(), cfg)
	assert.Equal(t, qc.KindConfiguration, qc.KindOf(err))
}

func TestLookup_UsesCache(t *testing.T) {
	srv := newFakeCDSE(t)
	products := cache.NewFileCache[Product](t.TempDir())
	c, err := NewClient(context.Background(), srv.config(), WithHTTPClient(srv.Client()), WithProductCache(products))
	require.NoError(t, err)

	p, err := c.Lookup(context.Background(), zipped)
	require.NoError(t, err)
	assert.Equal(t, "id-zip", p.ID)
	assert.Equal(t, "/eodata/CLMS/zip", p.S3Path)

	again, err := c.Lookup(context.Background(), zipped)
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.EqualValues(t, 1, srv.lookups.Load())

	_, err = c.Lookup(context.Background(), "unknown_nc")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestDownload(t *testing.T) {
	srv := newFakeCDSE(t)
	c, err := NewClient(context.Background(), srv.config(), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	dir := t.TempDir()

	got, err := c.Download(context.Background(), Product{ID: "id-zip", Name: zipped}, dir)
	require.NoError(t, err)
	want := filepath.Join(dir, "c_gls_NDVI300_202401010000_GLOBE_OLCI_V3.0.1.nc")
	assert.Equal(t, []string{want}, got)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "netcdf", string(data))

	got, err = c.Download(context.Background(), Product{ID: "id-plain", Name: plain}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "c_gls_NDVI300_202401110000_GLOBE_OLCI_V3.0.1.nc")}, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no partial or manifest files are left behind")
}

func TestDownloadAll_CollectsFailures(t *testing.T) {
	srv := newFakeCDSE(t)
	c, err := NewClient(context.Background(), srv.config(), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	dir := t.TempDir()

	got, err := c.DownloadAll(context.Background(), []string{zipped, broken, plain, "unknown_nc"}, dir, 2)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "download incomplete (2 files failed)")
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "c_gls_NDVI300_202401010000_GLOBE_OLCI_V3.0.1.nc"),
		filepath.Join(dir, "c_gls_NDVI300_202401110000_GLOBE_OLCI_V3.0.1.nc"),
	}, got)
}
