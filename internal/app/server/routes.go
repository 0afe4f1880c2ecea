package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/netutil"

	"ipgate/internal/api/dto"
	"ipgate/internal/auth"
	"ipgate/internal/domain"
	"ipgate/internal/ipblock"
	"ipgate/internal/support"
)

const shutdownTimeout = 10 * time.Second

// Options tunes the HTTP surface.
type Options struct {
	// TrustForwarded takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable it behind a proxy that sets those headers.
	TrustForwarded bool
	// MaxConnections caps concurrently accepted connections; 0 disables the cap.
	MaxConnections int
}

type api struct {
	blocks         *ipblock.Manager
	trustForwarded bool
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, dto.Response{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, dto.Response{Success: false, Message: msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the gated admin API around blocks.
func NewRouter(blocks *ipblock.Manager, opts Options) http.Handler {
	a := &api{blocks: blocks, trustForwarded: opts.TrustForwarded}
	requireAdmin := auth.RequireAdmin(a.denyAdmin)

	router := http.NewServeMux()
	router.HandleFunc("GET /healthz", a.healthz)
	router.HandleFunc("GET /version", getVersion)

	router.HandleFunc("POST /admin/login", a.login)
	router.Handle("GET /admin/blocked-ips", requireAdmin(http.HandlerFunc(a.listBlocked)))
	router.Handle("POST /admin/unblock-ip", requireAdmin(http.HandlerFunc(a.unblock)))
	router.Handle("GET /admin/security-config", requireAdmin(http.HandlerFunc(a.getSecurityConfig)))
	router.Handle("PUT /admin/security-config", requireAdmin(http.HandlerFunc(a.updateSecurityConfig)))
	router.Handle("POST /admin/whitelist", requireAdmin(http.HandlerFunc(a.addWhitelist)))
	router.Handle("DELETE /admin/whitelist", requireAdmin(http.HandlerFunc(a.removeWhitelist)))
	router.HandleFunc("/admin/", a.unknownAdminRoute)

	log.Debug("Routes opened")

	return enableCORS(Gate(blocks, opts.TrustForwarded)(router))
}

// OpenRoutes serves handler on port until ctx is cancelled, then shuts down
// gracefully.
func OpenRoutes(ctx context.Context, port int, handler http.Handler, maxConnections int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return Serve(ctx, listener, handler, maxConnections)
}

// Serve is OpenRoutes on an existing listener.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, maxConnections int) error {
	if maxConnections > 0 {
		listener = netutil.LimitListener(listener, maxConnections)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting ipgate on %s", listener.Addr())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	log.Info("API server stopped")
	return nil
}

func (a *api) clientIP(r *http.Request) string {
	return support.ClientIP(r, a.trustForwarded)
}

// denyAdmin answers a rejected admin call and counts it against the caller.
func (a *api) denyAdmin(w http.ResponseWriter, r *http.Request, status int) {
	a.blocks.RecordViolation(a.clientIP(r), domain.ViolationUnauthorized)
	writeError(w, http.StatusText(status), status)
}

func (a *api) unknownAdminRoute(w http.ResponseWriter, r *http.Request) {
	a.blocks.RecordViolation(a.clientIP(r), domain.ViolationInvalidRoute)
	writeError(w, "Not found", http.StatusNotFound)
}
