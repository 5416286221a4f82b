package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/store"
	"github.com/hrygo/sessioncache/store/cache"
	"github.com/hrygo/sessioncache/store/db/file"
	"github.com/hrygo/sessioncache/store/db/postgres"
	"github.com/hrygo/sessioncache/store/db/sqlite"
)

// ============================================================================
// PERSISTENCE SUPPORT POLICY
// ============================================================================
// file:     Default. One JSON file per session, single instance.
// sqlite:   Single instance, many sessions, one database file.
// postgres: Shared persistence across hosts.
// redis:    Shared persistence where Redis already runs.
//
// Every driver stores whole snapshots only. Do not add partial updates: a
// snapshot write must replace the previous version in one operation.
// ============================================================================

// NewDBDriver creates new db driver based on profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "file", "":
		driver, err = file.NewDB(profile)
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	case "redis":
		driver, err = cache.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q: supported drivers are file, sqlite, postgres and redis", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
