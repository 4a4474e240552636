// Package unitpass wires the guest-pass runtime: the persistent entity
// cache, the resident directory, and the quota resolution engine.
package unitpass

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/unitpass/unitpass/internal/cache"
	"github.com/unitpass/unitpass/internal/platform/config"
	directorydomain "github.com/unitpass/unitpass/internal/services/directory/domain"
	directorysqlite "github.com/unitpass/unitpass/internal/services/directory/storage/sqlite"
	"github.com/unitpass/unitpass/internal/services/notify"
	passesdomain "github.com/unitpass/unitpass/internal/services/passes/domain"
	passessqlite "github.com/unitpass/unitpass/internal/services/passes/storage/sqlite"
	"github.com/unitpass/unitpass/internal/telemetry"
)

// Config holds the runtime settings for one embedded guest-pass app.
type Config struct {
	CachePath           string `env:"UNITPASS_CACHE_PATH"`
	DirectoryDBPath     string `env:"UNITPASS_DIRECTORY_DB_PATH"`
	PassesDBPath        string `env:"UNITPASS_PASSES_DB_PATH"`
	ResidentQueryLimit  int    `env:"UNITPASS_RESIDENT_QUERY_LIMIT"`
	UnitPageSize        int    `env:"UNITPASS_UNIT_PAGE_SIZE"`
	CommunityQueryLimit int    `env:"UNITPASS_COMMUNITY_QUERY_LIMIT"`
}

// LoadConfig reads the runtime settings from the environment, filling unset
// paths with data-directory defaults.
func LoadConfig() Config {
	var cfg Config
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.CachePath) == "" {
		cfg.CachePath = filepath.Join("data", "unitpass-cache.db")
	}
	if strings.TrimSpace(cfg.DirectoryDBPath) == "" {
		cfg.DirectoryDBPath = filepath.Join("data", "directory.db")
	}
	if strings.TrimSpace(cfg.PassesDBPath) == "" {
		cfg.PassesDBPath = filepath.Join("data", "passes.db")
	}
	return cfg
}

// App is one wired guest-pass runtime.
type App struct {
	Cache     *cache.Cache
	Directory *directorydomain.Service
	Passes    *passesdomain.Service
	Notify    *notify.Composer

	directoryStore *directorysqlite.Store
	passesStore    *passessqlite.Store
}

// Open builds the full runtime from the provided configuration.
func Open(cfg Config) (*App, error) {
	entityCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("open entity cache: %w", err)
	}

	directoryStore, err := directorysqlite.Open(cfg.DirectoryDBPath)
	if err != nil {
		_ = entityCache.Close()
		return nil, fmt.Errorf("open directory store: %w", err)
	}

	passesStore, err := passessqlite.Open(cfg.PassesDBPath)
	if err != nil {
		_ = directoryStore.Close()
		_ = entityCache.Close()
		return nil, fmt.Errorf("open passes store: %w", err)
	}

	directory := directorydomain.NewService(directorydomain.Config{
		Cache:               entityCache,
		Residents:           directoryStore,
		Units:               directoryStore,
		Communities:         directoryStore,
		ResidentQueryLimit:  cfg.ResidentQueryLimit,
		UnitPageSize:        cfg.UnitPageSize,
		CommunityQueryLimit: cfg.CommunityQueryLimit,
	})

	passes := passesdomain.NewService(passesdomain.Config{
		Passes:    passesStore,
		Settings:  passesStore,
		Directory: directoryAdapter{directory: directory},
		Emitter:   telemetry.NewEmitter(passesStore),
	})

	return &App{
		Cache:          entityCache,
		Directory:      directory,
		Passes:         passes,
		Notify:         notify.NewComposer(),
		directoryStore: directoryStore,
		passesStore:    passesStore,
	}, nil
}

// Close releases the cache and both stores.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	if a.passesStore != nil {
		if err := a.passesStore.Close(); err != nil {
			firstErr = err
		}
	}
	if a.directoryStore != nil {
		if err := a.directoryStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// directoryAdapter narrows the directory service to the resident lookups the
// quota engine needs.
type directoryAdapter struct {
	directory *directorydomain.Service
}

func (a directoryAdapter) ResidentByID(ctx context.Context, residentID string) (passesdomain.Resident, error) {
	resident, err := a.directory.ResidentByID(ctx, residentID)
	if err != nil {
		return passesdomain.Resident{}, err
	}
	memberships := make([]passesdomain.Membership, 0, len(resident.Memberships))
	for _, membership := range resident.Memberships {
		memberships = append(memberships, passesdomain.Membership{
			CommunityID: membership.CommunityID,
			Unit:        membership.Unit,
			RoleTag:     membership.RoleTag,
		})
	}
	return passesdomain.Resident{
		ID:          resident.ID,
		DisplayName: resident.DisplayName,
		Memberships: memberships,
	}, nil
}
