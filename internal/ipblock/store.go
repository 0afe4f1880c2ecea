package ipblock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ipgate/internal/database"
	"ipgate/internal/domain"
	"ipgate/internal/support"
)

const DefaultBlocklistPath = "data/ip-blocklist.json"

// Store persists the whole violation table.
type Store interface {
	Load(ctx context.Context) (map[string]domain.ViolationRecord, error)
	Save(ctx context.Context, records map[string]domain.ViolationRecord) error
}

// FileStore keeps the table in a JSON document shaped as
// {"blocked_ips": {"<address>": {...}}} with Unix millisecond timestamps.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultBlocklistPath
	}
	return &FileStore{path: path}
}

type blocklistDocument struct {
	BlockedIPs map[string]fileRecord `json:"blocked_ips"`
}

type fileRecord struct {
	Permanent      bool  `json:"permanent"`
	ExpiresAt      int64 `json:"expiresAt"`
	Violations     int   `json:"violations"`
	TempBlockCount int   `json:"tempBlockCount"`
	LastViolation  int64 `json:"lastViolation"`
}

// Load returns an empty table when the file does not exist yet.
func (s *FileStore) Load(_ context.Context) (map[string]domain.ViolationRecord, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return map[string]domain.ViolationRecord{}, fmt.Errorf("create blocklist directory: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]domain.ViolationRecord{}, nil
		}
		return map[string]domain.ViolationRecord{}, fmt.Errorf("read blocklist: %w", err)
	}

	var doc blocklistDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]domain.ViolationRecord{}, fmt.Errorf("parse blocklist: %w", err)
	}

	records := make(map[string]domain.ViolationRecord, len(doc.BlockedIPs))
	for address, fr := range doc.BlockedIPs {
		records[address] = domain.ViolationRecord{
			Address:         address,
			Permanent:       fr.Permanent,
			ExpiresAt:       domain.FromUnixMilli(fr.ExpiresAt),
			Violations:      fr.Violations,
			TempBlockCount:  fr.TempBlockCount,
			LastViolationAt: domain.FromUnixMilli(fr.LastViolation),
		}
	}
	return records, nil
}

func (s *FileStore) Save(_ context.Context, records map[string]domain.ViolationRecord) error {
	doc := blocklistDocument{BlockedIPs: make(map[string]fileRecord, len(records))}
	for address, r := range records {
		doc.BlockedIPs[address] = fileRecord{
			Permanent:      r.Permanent,
			ExpiresAt:      domain.UnixMilli(r.ExpiresAt),
			Violations:     r.Violations,
			TempBlockCount: r.TempBlockCount,
			LastViolation:  domain.UnixMilli(r.LastViolationAt),
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blocklist: %w", err)
	}
	if err := support.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write blocklist: %w", err)
	}
	return nil
}

// DatabaseStore keeps the table in the blocked_addresses SQL table.
type DatabaseStore struct{}

func NewDatabaseStore() *DatabaseStore {
	return &DatabaseStore{}
}

func (DatabaseStore) Load(ctx context.Context) (map[string]domain.ViolationRecord, error) {
	rows, err := database.ListBlockedAddresses(ctx)
	if err != nil {
		return map[string]domain.ViolationRecord{}, fmt.Errorf("list blocked addresses: %w", err)
	}

	records := make(map[string]domain.ViolationRecord, len(rows))
	for _, row := range rows {
		records[row.Address] = row.Record()
	}
	return records, nil
}

func (DatabaseStore) Save(ctx context.Context, records map[string]domain.ViolationRecord) error {
	rows := make([]domain.BlockedAddress, 0, len(records))
	for address, r := range records {
		r.Address = address
		rows = append(rows, domain.NewBlockedAddress(r))
	}
	if err := database.ReplaceBlockedAddresses(ctx, rows); err != nil {
		return fmt.Errorf("replace blocked addresses: %w", err)
	}
	return nil
}
