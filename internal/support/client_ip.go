package support

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the source address of r without the port. Forwarding
// headers are only honoured when trustForwarded is set.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if r == nil {
		return ""
	}

	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(strings.TrimSpace(r.RemoteAddr), "[]")
	}
	return host
}
