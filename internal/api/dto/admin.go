package dto

import "time"

// Response is the envelope every admin endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type AddressRequest struct {
	IP string `json:"ip"`
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type HealthInfo struct {
	Status    string `json:"status"`
	Tracked   int    `json:"tracked"`
	Temporary int    `json:"temporary"`
	Permanent int    `json:"permanent"`
}
