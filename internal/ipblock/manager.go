package ipblock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/config"
	"ipgate/internal/domain"
)

// ConfigStore persists the security config document.
type ConfigStore interface {
	Load() config.SecurityConfig
	Save(config.SecurityConfig) error
}

// ConfigPublisher fans a changed security config out to other instances.
type ConfigPublisher interface {
	Publish(ctx context.Context, cfg config.SecurityConfig) error
}

// Locator resolves an address to a country code for admin listings.
type Locator interface {
	Country(address string) string
}

type Option func(*Manager)

func WithStore(store Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

func WithConfigStore(store ConfigStore) Option {
	return func(m *Manager) {
		m.configStore = store
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLocator(locator Locator) Option {
	return func(m *Manager) {
		m.locator = locator
	}
}

// Manager owns the violation table and the security config. It answers gate
// checks, escalates reported violations and persists both records.
type Manager struct {
	store       Store
	configStore ConfigStore
	locator     Locator
	now         func() time.Time

	initOnce sync.Once
	started  bool

	mu        sync.RWMutex
	records   map[string]*domain.ViolationRecord
	cfg       config.SecurityConfig
	allow     allowList
	publisher ConfigPublisher

	tableWriter  *snapshotWriter
	configWriter *snapshotWriter
}

// Stats summarises the violation table.
type Stats struct {
	Tracked   int `json:"tracked"`
	Temporary int `json:"temporary"`
	Permanent int `json:"permanent"`
}

func New(opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*domain.ViolationRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewFileStore(DefaultBlocklistPath)
	}
	if m.configStore == nil {
		m.configStore = config.NewStore(config.DefaultSecurityFilePath)
	}
	m.setConfigLocked(config.Defaults())
	return m
}

// Init loads the config and the violation table. It is safe to call more
// than once; only the first call has an effect. Storage errors are logged and
// leave the manager with defaults and an empty table.
func (m *Manager) Init(ctx context.Context) {
	m.initOnce.Do(func() {
		m.load(ctx)
	})
}

func (m *Manager) ensureInit() {
	m.Init(context.Background())
}

func (m *Manager) load(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := m.configStore.Load()

	loaded, err := m.store.Load(ctx)
	if err != nil {
		log.Error("Error loading blocklist, starting empty", "error", err)
		loaded = nil
	}

	records := make(map[string]*domain.ViolationRecord, len(loaded))
	for address, record := range loaded {
		key, ok := canonicalAddress(address)
		if !ok {
			key = strings.TrimSpace(address)
		}
		if key == "" {
			continue
		}
		rec := record
		rec.Address = key
		if existing, found := records[key]; found && existing.TempBlockCount >= rec.TempBlockCount {
			continue
		}
		records[key] = &rec
	}

	m.mu.Lock()
	m.setConfigLocked(cfg)
	m.records = records
	m.tableWriter = newSnapshotWriter("blocklist")
	m.configWriter = newSnapshotWriter("security-config")
	m.started = true
	m.mu.Unlock()

	log.Info("IP block manager initialised", "tracked", len(records), "blocking", cfg.Blocking.Enabled, "whitelist", cfg.Whitelist.Enabled)
}

// Close writes out pending state and stops the writers.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	started := m.started
	tableWriter, configWriter := m.tableWriter, m.configWriter
	m.mu.RUnlock()

	if !started {
		return nil
	}

	return errors.Join(tableWriter.Close(ctx), configWriter.Close(ctx))
}

// Flush waits until every write scheduled so far has reached storage.
func (m *Manager) Flush(ctx context.Context) error {
	m.ensureInit()
	return errors.Join(m.tableWriter.Flush(ctx), m.configWriter.Flush(ctx))
}

// AttachConfigPublisher sends future local config changes to p.
func (m *Manager) AttachConfigPublisher(p ConfigPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// Check reports whether address is currently blocked. It never fails: empty
// or unparseable addresses are allowed through.
func (m *Manager) Check(address string) domain.Verdict {
	m.ensureInit()

	key, ok := canonicalAddress(address)
	if !ok {
		return domain.Verdict{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.cfg.Blocking.Enabled || m.isWhitelistedLocked(key) {
		return domain.Verdict{}
	}

	rec, found := m.records[key]
	if !found {
		return domain.Verdict{}
	}

	switch rec.Reason(m.now()) {
	case domain.ReasonPermanent:
		return domain.Verdict{Blocked: true, Reason: domain.ReasonPermanent}
	case domain.ReasonTemporary:
		expires := rec.ExpiresAt
		return domain.Verdict{Blocked: true, Reason: domain.ReasonTemporary, ExpiresAt: &expires}
	default:
		return domain.Verdict{}
	}
}

// RecordViolation counts one violation against address and imposes a
// temporary or permanent block once the configured thresholds are crossed.
func (m *Manager) RecordViolation(address string, kind domain.ViolationType) domain.Escalation {
	m.ensureInit()

	key, ok := canonicalAddress(address)
	if !ok {
		if address != "" {
			log.Debug("Ignoring violation for unparseable address", "address", address, "violation", kind)
		}
		return domain.EscalationNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Blocking.Enabled || m.isWhitelistedLocked(key) {
		return domain.EscalationNone
	}

	now := m.now()
	rec, found := m.records[key]
	if !found {
		rec = &domain.ViolationRecord{Address: key}
		m.records[key] = rec
	}

	if rec.Active(now) {
		return domain.EscalationNone
	}

	b := m.cfg.Blocking
	if !rec.LastViolationAt.IsZero() {
		gap := now.Sub(rec.LastViolationAt)
		switch {
		case gap > b.ViolationDecayTime():
			rec.Violations /= 2
		case gap > b.ViolationWindow():
			rec.Violations = 0
		}
	}

	rec.Violations++
	rec.LastViolationAt = now

	if rec.Violations < b.MaxViolationsBeforeTempBlock {
		log.Debug("Violation recorded", "address", key, "violation", kind, "count", rec.Violations)
		return domain.EscalationNone
	}

	rec.TempBlockCount++
	rec.Violations = 0

	escalation := domain.EscalationTemporary
	if rec.TempBlockCount >= b.MaxTempBlocksBeforePermanent {
		rec.Permanent = true
		rec.ExpiresAt = time.Time{}
		escalation = domain.EscalationPermanent
		log.Warn("Address permanently blocked", "address", key, "violation", kind, "temp_blocks", rec.TempBlockCount)
	} else {
		duration := b.TempBlockDuration()
		rec.ExpiresAt = now.Add(duration)
		log.Warn("Address temporarily blocked",
			"address", key,
			"violation", kind,
			"minutes", int(math.Round(duration.Minutes())),
			"temp_blocks", rec.TempBlockCount,
		)
	}

	m.scheduleTableSaveLocked()
	return escalation
}

// IsWhitelisted reports whether address is exempt from blocking.
func (m *Manager) IsWhitelisted(address string) bool {
	m.ensureInit()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isWhitelistedLocked(address)
}

func (m *Manager) isWhitelistedLocked(address string) bool {
	if strings.TrimSpace(address) == "" {
		return false
	}
	if addr, ok := parseAddress(address); ok && isPrivate(addr) {
		return true
	}
	if !m.cfg.Whitelist.Enabled {
		return false
	}
	return m.allow.contains(address)
}

// Unblock forgets everything recorded about address. It reports whether a
// record existed.
func (m *Manager) Unblock(address string) bool {
	m.ensureInit()

	key, ok := canonicalAddress(address)
	if !ok {
		key = strings.TrimSpace(address)
	}
	if key == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.records[key]; !found {
		return false
	}
	delete(m.records, key)
	m.scheduleTableSaveLocked()

	log.Info("Address unblocked", "address", key)
	return true
}

// ListBlocked returns the addresses that are blocked right now, ordered by
// address. Lapsed temporary records stay in the table.
func (m *Manager) ListBlocked() []domain.BlockedView {
	m.ensureInit()

	m.mu.RLock()
	now := m.now()
	views := make([]domain.BlockedView, 0)
	for _, rec := range m.records {
		if rec.Active(now) {
			views = append(views, rec.View())
		}
	}
	m.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].IP < views[j].IP })

	if m.locator != nil {
		for i := range views {
			views[i].Country = m.locator.Country(views[i].IP)
		}
	}
	return views
}

func (m *Manager) Stats() Stats {
	m.ensureInit()

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	stats := Stats{Tracked: len(m.records)}
	for _, rec := range m.records {
		switch rec.Reason(now) {
		case domain.ReasonPermanent:
			stats.Permanent++
		case domain.ReasonTemporary:
			stats.Temporary++
		}
	}
	return stats
}

func (m *Manager) GetConfig() config.SecurityConfig {
	m.ensureInit()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// UpdateConfig merges patch into the current config. An invalid result is
// rejected and nothing changes.
func (m *Manager) UpdateConfig(patch config.Patch) (config.SecurityConfig, error) {
	m.ensureInit()

	m.mu.Lock()
	defer m.mu.Unlock()

	next := patch.Apply(m.cfg)
	if err := next.Validate(); err != nil {
		return m.cfg.Clone(), err
	}

	m.setConfigLocked(next)
	m.scheduleConfigSaveLocked(true)

	log.Info("Security config updated", "blocking", next.Blocking.Enabled, "whitelist", next.Whitelist.Enabled)
	return next.Clone(), nil
}

// ApplyRemoteConfig adopts a config received from another instance. It is
// saved locally but not published again.
func (m *Manager) ApplyRemoteConfig(cfg config.SecurityConfig) {
	m.ensureInit()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setConfigLocked(cfg)
	m.scheduleConfigSaveLocked(false)
}

// AddWhitelistIP adds an address or CIDR entry. It reports false when the
// entry is already present and fails with config.ErrInvalidAddress on input
// that is neither.
func (m *Manager) AddWhitelistIP(ip string) (bool, error) {
	m.ensureInit()

	entry, err := config.NormalizeWhitelistEntry(ip)
	if err != nil {
		return false, fmt.Errorf("add whitelist entry: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if whitelistIndex(m.cfg.Whitelist.IPs, entry) >= 0 {
		return false, nil
	}

	next := m.cfg.Clone()
	next.Whitelist.IPs = append(next.Whitelist.IPs, entry)
	m.setConfigLocked(next)
	m.scheduleConfigSaveLocked(true)

	log.Info("Whitelist entry added", "entry", entry)
	return true, nil
}

// RemoveWhitelistIP removes an entry and reports whether it was present.
func (m *Manager) RemoveWhitelistIP(ip string) (bool, error) {
	m.ensureInit()

	entry, err := config.NormalizeWhitelistEntry(ip)
	if err != nil {
		entry = strings.TrimSpace(ip)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := whitelistIndex(m.cfg.Whitelist.IPs, entry)
	if idx < 0 {
		if err != nil {
			return false, fmt.Errorf("remove whitelist entry: %w", err)
		}
		return false, nil
	}

	next := m.cfg.Clone()
	next.Whitelist.IPs = append(next.Whitelist.IPs[:idx], next.Whitelist.IPs[idx+1:]...)
	m.setConfigLocked(next)
	m.scheduleConfigSaveLocked(true)

	log.Info("Whitelist entry removed", "entry", entry)
	return true, nil
}

// whitelistIndex finds entry among stored entries, comparing canonical forms
// so "::ffff:1.2.3.4" and "1.2.3.4" are the same entry.
func whitelistIndex(entries []string, entry string) int {
	for i, existing := range entries {
		if existing == entry {
			return i
		}
		if normalized, err := config.NormalizeWhitelistEntry(existing); err == nil && normalized == entry {
			return i
		}
	}
	return -1
}

func (m *Manager) setConfigLocked(cfg config.SecurityConfig) {
	m.cfg = cfg.Clone()
	m.allow = newAllowList(m.cfg.Whitelist.IPs)
}

func (m *Manager) scheduleTableSaveLocked() {
	snapshot := make(map[string]domain.ViolationRecord, len(m.records))
	for address, rec := range m.records {
		snapshot[address] = *rec
	}

	store := m.store
	m.tableWriter.Schedule(func() error {
		return store.Save(context.Background(), snapshot)
	})
}

func (m *Manager) scheduleConfigSaveLocked(publish bool) {
	snapshot := m.cfg.Clone()
	store := m.configStore
	publisher := m.publisher

	m.configWriter.Schedule(func() error {
		var errs []error
		if err := store.Save(snapshot); err != nil {
			errs = append(errs, err)
		} else {
			log.Debug("Security config saved")
		}
		if publish && publisher != nil {
			if err := publisher.Publish(context.Background(), snapshot); err != nil {
				errs = append(errs, fmt.Errorf("publish security config: %w", err))
			}
		}
		return errors.Join(errs...)
	})
}
