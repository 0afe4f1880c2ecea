package domain

import "time"

type BlockReason string

const (
	ReasonNone      BlockReason = ""
	ReasonTemporary BlockReason = "temporary"
	ReasonPermanent BlockReason = "permanent"
)

// Verdict is the answer of the gate for one address.
type Verdict struct {
	Blocked   bool        `json:"blocked"`
	Reason    BlockReason `json:"reason,omitempty"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
}

// BlockedView is an address that is currently denied, as listed to admins.
type BlockedView struct {
	IP             string     `json:"ip"`
	Permanent      bool       `json:"permanent"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	TempBlockCount int        `json:"tempBlockCount"`
	Country        string     `json:"country,omitempty"`
}

// ViolationType labels a reported violation. It is only used for diagnostics.
type ViolationType string

const (
	ViolationAuthFailure   ViolationType = "auth_failure"
	ViolationUnauthorized  ViolationType = "unauthorized"
	ViolationInvalidRoute  ViolationType = "invalid_route"
	ViolationMalformedBody ViolationType = "malformed_body"
)

// Escalation describes what a single reported violation did to a record.
type Escalation int

const (
	EscalationNone Escalation = iota
	EscalationTemporary
	EscalationPermanent
)

func (e Escalation) String() string {
	switch e {
	case EscalationTemporary:
		return "temporary"
	case EscalationPermanent:
		return "permanent"
	default:
		return "none"
	}
}
