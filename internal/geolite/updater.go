package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"ipgate/internal/support"
)

const (
	countryEdition = "GeoLite2-Country"
	userAgent      = "ipgate-geolite-updater/1.0"
)

var (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"

	updateGroup singleflight.Group
	httpClient  = &http.Client{Timeout: 2 * time.Minute}
)

// ErrNoLicenseKey indicates that GEOLITE_LICENSE_KEY has not been configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// EnsureCountryDatabase downloads the country database to destPath when the
// file does not exist yet. Concurrent callers share one download.
func EnsureCountryDatabase(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	licenseKey := strings.TrimSpace(support.GetEnv("GEOLITE_LICENSE_KEY", ""))
	if licenseKey == "" {
		return ErrNoLicenseKey
	}

	_, err, _ := updateGroup.Do(destPath, func() (any, error) {
		return nil, downloadEdition(ctx, licenseKey, countryEdition, destPath)
	})
	return err
}

func downloadEdition(ctx context.Context, licenseKey, edition, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildDownloadURL(licenseKey, edition), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", edition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", edition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", edition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	targetBase := edition + ".mmdb"
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", edition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != targetBase {
			continue
		}

		data, err := io.ReadAll(tarReader)
		if err != nil {
			return fmt.Errorf("%s: read %s: %w", edition, header.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("%s: create dir: %w", edition, err)
		}
		if err := support.WriteFileAtomic(destPath, data, 0o644); err != nil {
			return fmt.Errorf("%s: write file: %w", edition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", edition)
}

func buildDownloadURL(licenseKey, edition string) string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", maxMindDownloadURL, edition, licenseKey)
}
