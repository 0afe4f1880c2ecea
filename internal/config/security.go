package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when a security config update fails validation.
var ErrInvalidConfig = errors.New("config: invalid security config")

// ErrInvalidAddress is returned for whitelist entries that are neither an
// address nor a CIDR prefix.
var ErrInvalidAddress = errors.New("config: invalid address")

type SecurityConfig struct {
	Whitelist WhitelistConfig `json:"whitelist"`
	Blocking  BlockingConfig  `json:"blocking"`
}

type WhitelistConfig struct {
	Enabled bool     `json:"enabled"`
	IPs     []string `json:"ips"`
}

// BlockingConfig carries the escalation tunables. Durations are stored as
// milliseconds so the document stays compatible with existing security.json files.
type BlockingConfig struct {
	Enabled                      bool  `json:"enabled"`
	TempBlockDurationMs          int64 `json:"tempBlockDuration"`
	MaxViolationsBeforeTempBlock int   `json:"maxViolationsBeforeTempBlock"`
	MaxTempBlocksBeforePermanent int   `json:"maxTempBlocksBeforePermanent"`
	ViolationWindowMs            int64 `json:"violationWindow"`
	ViolationDecayTimeMs         int64 `json:"violationDecayTime"`
}

func Defaults() SecurityConfig {
	return SecurityConfig{
		Whitelist: WhitelistConfig{
			Enabled: true,
			IPs:     []string{"127.0.0.1", "::1"},
		},
		Blocking: BlockingConfig{
			Enabled:                      true,
			TempBlockDurationMs:          (60 * time.Minute).Milliseconds(),
			MaxViolationsBeforeTempBlock: 50,
			MaxTempBlocksBeforePermanent: 10,
			ViolationWindowMs:            (5 * time.Minute).Milliseconds(),
			ViolationDecayTimeMs:         (30 * time.Minute).Milliseconds(),
		},
	}
}

func (b BlockingConfig) TempBlockDuration() time.Duration {
	return time.Duration(b.TempBlockDurationMs) * time.Millisecond
}

func (b BlockingConfig) ViolationWindow() time.Duration {
	return time.Duration(b.ViolationWindowMs) * time.Millisecond
}

func (b BlockingConfig) ViolationDecayTime() time.Duration {
	return time.Duration(b.ViolationDecayTimeMs) * time.Millisecond
}

// Clone returns a copy that shares no slices with c.
func (c SecurityConfig) Clone() SecurityConfig {
	out := c
	out.Whitelist.IPs = append([]string(nil), c.Whitelist.IPs...)
	if out.Whitelist.IPs == nil {
		out.Whitelist.IPs = []string{}
	}
	return out
}

// Validate checks the tunables and every whitelist entry.
func (c SecurityConfig) Validate() error {
	var errs []error

	b := c.Blocking
	if b.TempBlockDurationMs <= 0 {
		errs = append(errs, errors.New("tempBlockDuration must be positive"))
	}
	if b.MaxViolationsBeforeTempBlock < 1 {
		errs = append(errs, errors.New("maxViolationsBeforeTempBlock must be at least 1"))
	}
	if b.MaxTempBlocksBeforePermanent < 1 {
		errs = append(errs, errors.New("maxTempBlocksBeforePermanent must be at least 1"))
	}
	if b.ViolationWindowMs <= 0 {
		errs = append(errs, errors.New("violationWindow must be positive"))
	}
	if b.ViolationDecayTimeMs < b.ViolationWindowMs {
		errs = append(errs, errors.New("violationDecayTime must not be shorter than violationWindow"))
	}

	for _, entry := range c.Whitelist.IPs {
		if _, err := NormalizeWhitelistEntry(entry); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Patch is a partial security config. Nil fields keep their current value.
type Patch struct {
	Whitelist *WhitelistPatch `json:"whitelist,omitempty"`
	Blocking  *BlockingPatch  `json:"blocking,omitempty"`
}

type WhitelistPatch struct {
	Enabled *bool `json:"enabled,omitempty"`
	// IPs replaces the whole list when non-nil; an empty JSON array clears it.
	IPs []string `json:"ips,omitempty"`
}

type BlockingPatch struct {
	Enabled                      *bool  `json:"enabled,omitempty"`
	TempBlockDurationMs          *int64 `json:"tempBlockDuration,omitempty"`
	MaxViolationsBeforeTempBlock *int   `json:"maxViolationsBeforeTempBlock,omitempty"`
	MaxTempBlocksBeforePermanent *int   `json:"maxTempBlocksBeforePermanent,omitempty"`
	ViolationWindowMs            *int64 `json:"violationWindow,omitempty"`
	ViolationDecayTimeMs         *int64 `json:"violationDecayTime,omitempty"`
}

// Apply merges p over c field by field and returns the result. c is not modified.
func (p Patch) Apply(c SecurityConfig) SecurityConfig {
	out := c.Clone()

	if w := p.Whitelist; w != nil {
		if w.Enabled != nil {
			out.Whitelist.Enabled = *w.Enabled
		}
		if w.IPs != nil {
			out.Whitelist.IPs = normalizeWhitelistEntries(w.IPs)
		}
	}

	if b := p.Blocking; b != nil {
		if b.Enabled != nil {
			out.Blocking.Enabled = *b.Enabled
		}
		if b.TempBlockDurationMs != nil {
			out.Blocking.TempBlockDurationMs = *b.TempBlockDurationMs
		}
		if b.MaxViolationsBeforeTempBlock != nil {
			out.Blocking.MaxViolationsBeforeTempBlock = *b.MaxViolationsBeforeTempBlock
		}
		if b.MaxTempBlocksBeforePermanent != nil {
			out.Blocking.MaxTempBlocksBeforePermanent = *b.MaxTempBlocksBeforePermanent
		}
		if b.ViolationWindowMs != nil {
			out.Blocking.ViolationWindowMs = *b.ViolationWindowMs
		}
		if b.ViolationDecayTimeMs != nil {
			out.Blocking.ViolationDecayTimeMs = *b.ViolationDecayTimeMs
		}
	}

	return out
}

// NormalizeWhitelistEntry trims raw and returns the canonical form of an
// address or CIDR prefix. IPv4-mapped IPv6 addresses are reduced to IPv4.
func NormalizeWhitelistEntry(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty entry", ErrInvalidAddress)
	}

	if strings.Contains(trimmed, "/") {
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		return prefix.Masked().String(), nil
	}

	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr.WithZone("").Unmap().String(), nil
}

// normalizeWhitelistEntries canonicalises and deduplicates entries. Entries
// that do not parse are kept verbatim so Validate can report them.
func normalizeWhitelistEntries(entries []string) []string {
	unique := make(map[string]struct{}, len(entries))
	normalized := make([]string, 0, len(entries))

	for _, raw := range entries {
		entry, err := NormalizeWhitelistEntry(raw)
		if err != nil {
			entry = raw
		}
		if _, exists := unique[entry]; exists {
			continue
		}
		unique[entry] = struct{}{}
		normalized = append(normalized, entry)
	}

	return normalized
}
