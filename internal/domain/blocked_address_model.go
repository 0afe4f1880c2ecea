package domain

import "time"

// BlockedAddress is the SQL row backing one ViolationRecord.
type BlockedAddress struct {
	// Address holds the source address exactly as it was reported.
	Address string `gorm:"size:64;primaryKey"`

	Permanent      bool `gorm:"not null;default:false"`
	Violations     int  `gorm:"not null;default:0"`
	TempBlockCount int  `gorm:"not null;default:0"`

	// ExpiresAt and LastViolationAt are Unix milliseconds, 0 when unset.
	ExpiresAt       int64 `gorm:"not null;default:0;index"`
	LastViolationAt int64 `gorm:"not null;default:0"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (BlockedAddress) TableName() string {
	return "blocked_addresses"
}

func NewBlockedAddress(r ViolationRecord) BlockedAddress {
	return BlockedAddress{
		Address:         r.Address,
		Permanent:       r.Permanent,
		Violations:      r.Violations,
		TempBlockCount:  r.TempBlockCount,
		ExpiresAt:       UnixMilli(r.ExpiresAt),
		LastViolationAt: UnixMilli(r.LastViolationAt),
	}
}

func (b BlockedAddress) Record() ViolationRecord {
	return ViolationRecord{
		Address:         b.Address,
		Permanent:       b.Permanent,
		Violations:      b.Violations,
		TempBlockCount:  b.TempBlockCount,
		ExpiresAt:       FromUnixMilli(b.ExpiresAt),
		LastViolationAt: FromUnixMilli(b.LastViolationAt),
	}
}

// UnixMilli maps the zero time to 0 instead of a large negative number.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func FromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
