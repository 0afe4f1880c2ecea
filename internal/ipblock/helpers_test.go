package ipblock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ipgate/internal/config"
	"ipgate/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryStore records every save and flags overlapping writes.
type memoryStore struct {
	mu       sync.Mutex
	initial  map[string]domain.ViolationRecord
	loadErr  error
	saveErr  error
	last     map[string]domain.ViolationRecord
	saves    int
	delay    time.Duration
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *memoryStore) Load(context.Context) (map[string]domain.ViolationRecord, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]domain.ViolationRecord, len(s.initial))
	for k, v := range s.initial {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) Save(_ context.Context, records map[string]domain.ViolationRecord) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.last = records
	return nil
}

func (s *memoryStore) snapshot() (map[string]domain.ViolationRecord, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.saves
}

type memoryConfigStore struct {
	mu    sync.Mutex
	cfg   config.SecurityConfig
	saves int
}

func newMemoryConfigStore(cfg config.SecurityConfig) *memoryConfigStore {
	return &memoryConfigStore{cfg: cfg}
}

func (s *memoryConfigStore) Load() config.SecurityConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

func (s *memoryConfigStore) Save(cfg config.SecurityConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	s.saves++
	return nil
}

func (s *memoryConfigStore) current() (config.SecurityConfig, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone(), s.saves
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []config.SecurityConfig
}

func (p *recordingPublisher) Publish(_ context.Context, cfg config.SecurityConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, cfg)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type staticLocator map[string]string

func (l staticLocator) Country(address string) string {
	return l[address]
}

// testConfig uses small thresholds so escalation paths stay short.
func testConfig() config.SecurityConfig {
	cfg := config.Defaults()
	cfg.Blocking.MaxViolationsBeforeTempBlock = 3
	cfg.Blocking.MaxTempBlocksBeforePermanent = 2
	cfg.Blocking.TempBlockDurationMs = (10 * time.Minute).Milliseconds()
	cfg.Blocking.ViolationWindowMs = (5 * time.Minute).Milliseconds()
	cfg.Blocking.ViolationDecayTimeMs = (30 * time.Minute).Milliseconds()
	return cfg
}

type testEnv struct {
	manager *Manager
	clock   *fakeClock
	store   *memoryStore
	configs *memoryConfigStore
}

func newTestManager(t *testing.T, cfg config.SecurityConfig, initial map[string]domain.ViolationRecord) testEnv {
	t.Helper()

	env := testEnv{
		clock:   newFakeClock(),
		store:   &memoryStore{initial: initial},
		configs: newMemoryConfigStore(cfg),
	}
	env.manager = New(
		WithStore(env.store),
		WithConfigStore(env.configs),
		WithClock(env.clock.Now),
	)
	env.manager.Init(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := env.manager.Close(ctx); err != nil {
			t.Errorf("Close returned error: %v", err)
		}
	})

	return env
}

func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
}

func report(m *Manager, address string, n int) domain.Escalation {
	result := domain.EscalationNone
	for i := 0; i < n; i++ {
		result = m.RecordViolation(address, domain.ViolationAuthFailure)
	}
	return result
}
