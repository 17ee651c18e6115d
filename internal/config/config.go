// Package config loads the lease arbiter's ambient configuration (the
// enumerated options of spec §6 plus the connection and logging settings
// the reference binary needs) via viper, the way the retrieval pack's
// coredhcp member loads its plugin configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/flowarb/leasearbiter/internal/arbiter"
)

// Database holds the connection settings for the reference binary's
// *sql.DB; these are never seen by the arbiter package itself, which only
// accepts an already-open StatementExecutor.
type Database struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Config is everything the reference binary needs to construct an
// arbiter.Arbiter and its supporting connection pool and logger.
type Config struct {
	Arbiter  arbiter.Config
	Database Database
	LogLevel string
}

// Load reads configuration from path (if non-empty) plus the
// LEASE_ARBITER_-prefixed environment. Unset epsilon, linger, retention and
// sweep-period keys get the arbiter package's own defaults; the two table
// names, which the arbiter package requires rather than defaults, get
// "action_event_lease" and "action_event_lease_constants" here. db.dsn has
// no default and is required.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEASE_ARBITER")
	v.AutomaticEnv()

	v.SetDefault("lease-arbiter.table", "action_event_lease")
	v.SetDefault("lease-arbiter.constants-table", "action_event_lease_constants")
	v.SetDefault("lease-arbiter.epsilon-ms", arbiter.DefaultEpsilonMillis)
	v.SetDefault("lease-arbiter.linger-ms", arbiter.DefaultLingerMillis)
	v.SetDefault("lease-arbiter.retention-ms", arbiter.DefaultRetentionMillis)
	v.SetDefault("lease-arbiter.retention-sweep-period", arbiter.DefaultRetentionSweepPeriod.String())
	v.SetDefault("db.max-open-conns", 10)
	v.SetDefault("db.max-idle-conns", 5)
	v.SetDefault("log.level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	sweepPeriod, err := time.ParseDuration(v.GetString("lease-arbiter.retention-sweep-period"))
	if err != nil {
		return Config{}, fmt.Errorf("config: lease-arbiter.retention-sweep-period: %w", err)
	}

	cfg := Config{
		Arbiter: arbiter.Config{
			LeaseTable:           v.GetString("lease-arbiter.table"),
			ConstantsTable:       v.GetString("lease-arbiter.constants-table"),
			EpsilonMillis:        v.GetInt64("lease-arbiter.epsilon-ms"),
			LingerMillis:         v.GetInt64("lease-arbiter.linger-ms"),
			RetentionMillis:      v.GetInt64("lease-arbiter.retention-ms"),
			RetentionSweepPeriod: sweepPeriod,
		},
		Database: Database{
			DSN:          v.GetString("db.dsn"),
			MaxOpenConns: v.GetInt("db.max-open-conns"),
			MaxIdleConns: v.GetInt("db.max-idle-conns"),
		},
		LogLevel: v.GetString("log.level"),
	}
	if cfg.Database.DSN == "" {
		return Config{}, fmt.Errorf("config: db.dsn is required")
	}
	return cfg, nil
}
