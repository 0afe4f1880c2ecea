package geolite

import (
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const CountryFileName = "GeoLite2-Country.mmdb"

// Locator resolves addresses to ISO country codes from a GeoLite2 Country
// database. A Locator without a database answers "" for every address.
type Locator struct {
	path string

	mu     sync.RWMutex
	reader *geoip2.Reader
}

// Open loads the database at path.
func Open(path string) (*Locator, error) {
	l := &Locator{path: path}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// load swaps in the database currently on disk.
func (l *Locator) load() error {
	reader, err := geoip2.Open(l.path)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", l.path, err)
	}

	l.mu.Lock()
	previous := l.reader
	l.reader = reader
	l.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			log.Warn("Failed to close previous GeoLite reader", "error", err)
		}
	}
	log.Info("GeoLite country database loaded", "path", l.path)
	return nil
}

func (l *Locator) Country(address string) string {
	if l == nil {
		return ""
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return ""
	}

	record, err := l.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (l *Locator) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}
