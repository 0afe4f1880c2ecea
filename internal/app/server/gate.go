package server

import (
	"net/http"

	"github.com/charmbracelet/log"

	"ipgate/internal/api/dto"
	"ipgate/internal/ipblock"
	"ipgate/internal/support"
)

// Gate rejects requests from blocked addresses with 403 before they reach next.
func Gate(blocks *ipblock.Manager, trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := support.ClientIP(r, trustForwarded)

			verdict := blocks.Check(ip)
			if verdict.Blocked {
				log.Debug("Rejected blocked address", "address", ip, "reason", verdict.Reason, "path", r.URL.Path)
				writeJSON(w, http.StatusForbidden, dto.Response{
					Success: false,
					Message: "Access denied",
					Data:    verdict,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
