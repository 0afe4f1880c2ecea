package geolite

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func buildArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func serveArchive(t *testing.T, archive []byte, status int) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("license_key") != "test-key" || r.URL.Query().Get("edition_id") != countryEdition {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	previous := maxMindDownloadURL
	maxMindDownloadURL = srv.URL
	t.Cleanup(func() { maxMindDownloadURL = previous })
}

func TestEnsureCountryDatabaseDownloads(t *testing.T) {
	t.Setenv("GEOLITE_LICENSE_KEY", "test-key")
	serveArchive(t, buildArchive(t, map[string][]byte{
		"GeoLite2-Country_20240301/README.txt":            []byte("readme"),
		"GeoLite2-Country_20240301/GeoLite2-Country.mmdb": []byte("mmdb-bytes"),
	}), http.StatusOK)

	dest := filepath.Join(t.TempDir(), "geo", CountryFileName)
	if err := EnsureCountryDatabase(context.Background(), dest); err != nil {
		t.Fatalf("EnsureCountryDatabase returned error: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "mmdb-bytes" {
		t.Fatalf("downloaded content = %q", data)
	}
}

func TestEnsureCountryDatabaseSkipsExistingFile(t *testing.T) {
	t.Setenv("GEOLITE_LICENSE_KEY", "")
	dest := filepath.Join(t.TempDir(), CountryFileName)
	if err := os.WriteFile(dest, []byte("present"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := EnsureCountryDatabase(context.Background(), dest); err != nil {
		t.Fatalf("EnsureCountryDatabase returned error: %v", err)
	}
}

func TestEnsureCountryDatabaseErrors(t *testing.T) {
	dest := filepath.Join(t.TempDir(), CountryFileName)

	t.Run("missing license key", func(t *testing.T) {
		t.Setenv("GEOLITE_LICENSE_KEY", "")
		if err := EnsureCountryDatabase(context.Background(), dest); !errors.Is(err, ErrNoLicenseKey) {
			t.Fatalf("error = %v, want ErrNoLicenseKey", err)
		}
	})

	t.Run("archive without database", func(t *testing.T) {
		t.Setenv("GEOLITE_LICENSE_KEY", "test-key")
		serveArchive(t, buildArchive(t, map[string][]byte{"README.txt": []byte("x")}), http.StatusOK)
		if err := EnsureCountryDatabase(context.Background(), dest); err == nil {
			t.Fatal("expected an error for an archive without the mmdb file")
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		t.Setenv("GEOLITE_LICENSE_KEY", "test-key")
		serveArchive(t, []byte("denied"), http.StatusUnauthorized)
		if err := EnsureCountryDatabase(context.Background(), dest); err == nil {
			t.Fatal("expected an error for a non-200 response")
		}
	})

	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("failed downloads left a file behind: %v", err)
	}
}
