package domain

import "time"

// ViolationRecord is the escalation state kept for a single source address.
type ViolationRecord struct {
	Address         string
	Permanent       bool
	ExpiresAt       time.Time // zero when no temporary block was ever imposed
	Violations      int
	TempBlockCount  int
	LastViolationAt time.Time
}

// Active reports whether the record currently denies traffic.
func (r ViolationRecord) Active(now time.Time) bool {
	if r.Permanent {
		return true
	}
	return !r.ExpiresAt.IsZero() && now.Before(r.ExpiresAt)
}

// Reason returns the rule the record is blocked by at now, or ReasonNone.
func (r ViolationRecord) Reason(now time.Time) BlockReason {
	switch {
	case r.Permanent:
		return ReasonPermanent
	case !r.ExpiresAt.IsZero() && now.Before(r.ExpiresAt):
		return ReasonTemporary
	default:
		return ReasonNone
	}
}

// View converts the record into the read-only shape handed to admin callers.
func (r ViolationRecord) View() BlockedView {
	view := BlockedView{
		IP:             r.Address,
		Permanent:      r.Permanent,
		TempBlockCount: r.TempBlockCount,
	}
	if !r.Permanent && !r.ExpiresAt.IsZero() {
		expires := r.ExpiresAt
		view.ExpiresAt = &expires
	}
	return view
}
