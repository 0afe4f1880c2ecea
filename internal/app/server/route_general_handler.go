package server

import (
	"net/http"

	"ipgate/internal/api/dto"
	"ipgate/internal/app/version"
)

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	stats := a.blocks.Stats()
	writeJSON(w, http.StatusOK, dto.HealthInfo{
		Status:    "ok",
		Tracked:   stats.Tracked,
		Temporary: stats.Temporary,
		Permanent: stats.Permanent,
	})
}

func getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}
