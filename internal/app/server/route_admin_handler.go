package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
	"ipgate/internal/auth"
	"ipgate/internal/config"
	"ipgate/internal/domain"
)

const maxBodyBytes = 1 << 20

func (a *api) decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		a.blocks.RecordViolation(a.clientIP(r), domain.ViolationMalformedBody)
		writeError(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var credentials dto.Credentials
	if !a.decodeBody(w, r, &credentials) {
		return
	}

	if !auth.CheckPassword(credentials.Username, credentials.Password) {
		ip := a.clientIP(r)
		a.blocks.RecordViolation(ip, domain.ViolationAuthFailure)
		log.Warn("Failed admin login", "address", ip, "username", credentials.Username)
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, expires, err := auth.GenerateJWT(credentials.Username, auth.RoleAdmin)
	if err != nil {
		log.Error("Failed to issue admin token", "error", err)
		writeError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	writeSuccess(w, "Logged in", dto.LoginResult{Token: token, ExpiresAt: expires})
}

func (a *api) listBlocked(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, "", a.blocks.ListBlocked())
}

func (a *api) unblock(w http.ResponseWriter, r *http.Request) {
	var req dto.AddressRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		writeError(w, "IP address is required", http.StatusBadRequest)
		return
	}

	if !a.blocks.Unblock(ip) {
		writeError(w, "IP is not in the blocklist", http.StatusNotFound)
		return
	}
	writeSuccess(w, "IP unblocked", nil)
}

func (a *api) getSecurityConfig(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, "", a.blocks.GetConfig())
}

func (a *api) updateSecurityConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if !a.decodeBody(w, r, &patch) {
		return
	}

	updated, err := a.blocks.UpdateConfig(patch)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeSuccess(w, "Security config updated", updated)
}

func (a *api) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var req dto.AddressRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	added, err := a.blocks.AddWhitelistIP(req.IP)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, dto.Response{Success: false, Message: "IP is already whitelisted"})
		return
	}
	writeSuccess(w, "IP whitelisted", a.blocks.GetConfig().Whitelist)
}

func (a *api) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	var req dto.AddressRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	removed, err := a.blocks.RemoveWhitelistIP(req.IP)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if !removed {
		writeJSON(w, http.StatusOK, dto.Response{Success: false, Message: "IP is not whitelisted"})
		return
	}
	writeSuccess(w, "IP removed from whitelist", a.blocks.GetConfig().Whitelist)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidAddress), errors.Is(err, config.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
