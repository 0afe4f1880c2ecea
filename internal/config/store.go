package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"ipgate/internal/support"
)

const DefaultSecurityFilePath = "security.json"

//go:embed default_security.json
var defaultSecurityDocument []byte

// Store reads and writes the security config document on disk.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultSecurityFilePath
	}
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load never fails: a missing document is created from the embedded defaults,
// and an unreadable or malformed one falls back to Defaults().
func (s *Store) Load() SecurityConfig {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading security config, using defaults", "path", s.path, "error", err)
			return Defaults()
		}

		log.Warn("Security config not found, creating with default configuration", "path", s.path)
		if err := support.WriteFileAtomic(s.path, defaultSecurityDocument, 0o644); err != nil {
			log.Error("Error writing default security config", "path", s.path, "error", err)
		}
		data = defaultSecurityDocument
	}

	cfg, err := Decode(data)
	if err != nil {
		log.Error("Error unmarshalling security config, using defaults", "path", s.path, "error", err)
		return Defaults()
	}

	if err := cfg.Validate(); err != nil {
		log.Warn("Security config contains questionable values", "path", s.path, "error", err)
	}

	log.Debug("Security config loaded", "path", s.path)
	return cfg
}

// Save writes cfg as indented JSON, replacing the previous document atomically.
func (s *Store) Save(cfg SecurityConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal security config: %w", err)
	}
	if err := support.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write security config: %w", err)
	}
	return nil
}

// Decode parses a possibly partial document on top of Defaults(), so omitted
// keys keep their default value. Arrays are replaced, not merged.
func Decode(data []byte) (SecurityConfig, error) {
	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Defaults(), err
	}
	return cfg.Clone(), nil
}
