package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"ipgate/internal/config"
	"ipgate/internal/database"
	"ipgate/internal/geolite"
	"ipgate/internal/ipblock"
	"ipgate/internal/support"
)

const (
	BackendFile     = "file"
	BackendDatabase = "database"
)

// Components are the long-lived pieces Setup wires together. Close releases
// them in reverse order, so the manager flushes before its backends go away.
type Components struct {
	Manager *ipblock.Manager

	sync    *config.RedisSync
	closers []func(context.Context) error
}

// Setup builds the IP block manager from the environment and loads its state.
func Setup(ctx context.Context) (*Components, error) {
	c := &Components{}

	store, err := c.blocklistStore()
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	opts := []ipblock.Option{
		ipblock.WithStore(store),
		ipblock.WithConfigStore(config.NewStore(support.GetEnv("SECURITY_CONFIG_PATH", config.DefaultSecurityFilePath))),
	}
	if locator := c.openLocator(ctx); locator != nil {
		opts = append(opts, ipblock.WithLocator(locator))
	}

	c.Manager = ipblock.New(opts...)
	c.Manager.Init(ctx)

	c.startConfigSync(ctx)
	c.closers = append(c.closers, c.Manager.Close)

	return c, nil
}

func (c *Components) blocklistStore() (ipblock.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(support.GetEnv("BLOCKLIST_BACKEND", BackendFile)))

	switch backend {
	case "", BackendFile:
		path := support.GetEnv("BLOCKLIST_PATH", ipblock.DefaultBlocklistPath)
		log.Info("Using file blocklist store", "path", path)
		return ipblock.NewFileStore(path), nil
	case BackendDatabase:
		if _, err := database.SetupDB(); err != nil {
			return nil, fmt.Errorf("failed to set up database: %w", err)
		}
		c.closers = append(c.closers, ignoreContext(database.CloseDB))
		log.Info("Using database blocklist store")
		return ipblock.NewDatabaseStore(), nil
	default:
		return nil, fmt.Errorf("unknown BLOCKLIST_BACKEND %q", backend)
	}
}

func (c *Components) openLocator(ctx context.Context) *geolite.Locator {
	path := strings.TrimSpace(support.GetEnv("GEOLITE_DB_PATH", ""))
	if path == "" {
		return nil
	}

	if err := geolite.EnsureCountryDatabase(ctx, path); err != nil && !errors.Is(err, geolite.ErrNoLicenseKey) {
		log.Warn("GeoLite download failed", "path", path, "error", err)
	}

	locator, err := geolite.Open(path)
	if err != nil {
		log.Warn("Country lookup disabled", "error", err)
		return nil
	}
	c.closers = append(c.closers, ignoreContext(locator.Close))
	return locator
}

func (c *Components) startConfigSync(ctx context.Context) {
	if !support.RedisConfigured() {
		return
	}

	client, err := support.GetRedisClient()
	if err != nil {
		log.Warn("Config synchronization disabled", "error", err)
		return
	}
	c.closers = append(c.closers, ignoreContext(support.CloseRedisClient))

	c.sync = config.EnableRedisSynchronization(ctx, client, c.Manager.GetConfig(), c.Manager.ApplyRemoteConfig)
	if c.sync == nil {
		return
	}
	c.Manager.AttachConfigPublisher(c.sync)
	c.closers = append(c.closers, func(context.Context) error {
		c.sync.Close()
		return nil
	})
}

// Close stops config sync, flushes the manager and releases storage handles.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func ignoreContext(fn func() error) func(context.Context) error {
	return func(context.Context) error { return fn() }
}
