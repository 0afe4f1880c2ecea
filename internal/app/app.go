package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ipgate/internal/app/bootstrap"
	"ipgate/internal/app/server"
	"ipgate/internal/auth"
	"ipgate/internal/ipblock"
	"ipgate/internal/support"
)

const (
	defaultPort            = 8082
	defaultMaxConnections  = 1024
	defaultStatsIntervalMs = 0
	shutdownTimeout        = 15 * time.Second
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(parseLogLevel(support.GetEnv("LOG_LEVEL", "info")))

	portFlag := flag.Int("port", defaultPort, "Port for the API server")
	hashPasswordFlag := flag.String("hash-password", "", "Print the bcrypt hash of the given password for ADMIN_PASSWORD_HASH and exit")
	flag.Parse()

	if *hashPasswordFlag != "" {
		hash, err := auth.HashPassword(*hashPasswordFlag)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Println(hash)
		return nil
	}

	port := resolvePort("IPGATE_PORT", "PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := components.Close(closeCtx); err != nil {
			log.Warn("error during shutdown", "error", err)
		}
	}()

	handler := server.NewRouter(components.Manager, server.Options{
		TrustForwarded: support.GetEnvBool("TRUST_PROXY_HEADERS", false),
	})
	maxConnections := support.GetEnvInt("MAX_CONNECTIONS", defaultMaxConnections)
	statsInterval := time.Duration(support.GetEnvInt("STATS_LOG_INTERVAL_MS", defaultStatsIntervalMs)) * time.Millisecond

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.OpenRoutes(gctx, port, handler, maxConnections)
	})
	g.Go(func() error {
		logStats(gctx, components.Manager, statsInterval)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// logStats periodically reports the size of the violation table. A
// non-positive interval disables it.
func logStats(ctx context.Context, manager *ipblock.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := manager.Stats()
			log.Info("Blocklist stats", "tracked", stats.Tracked, "temporary", stats.Temporary, "permanent", stats.Permanent)
		}
	}
}

func parseLogLevel(raw string) log.Level {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		return log.InfoLevel
	}
	return level
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
