package config

import "time"

// SessionConfig configures the Session Store (C8) and the Agent Loop's
// runner registry reaping (§4.7 "Runner reaping").
type SessionConfig struct {
	Store SessionStoreConfig `yaml:"store"`

	// ReapAfter is how long a terminal run id is kept in the Agent Loop's
	// registry before the reaper drops it.
	ReapAfter time.Duration `yaml:"reap_after"`

	// ReapSchedule is a robfig/cron schedule expression for the reaper
	// sweep, e.g. "@every 30s".
	ReapSchedule string `yaml:"reap_schedule"`
}

// SessionStoreConfig selects and configures the sessions.Store backend.
type SessionStoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// DSN is the modernc.org/sqlite data source name, used when Backend
	// is "sqlite".
	DSN string `yaml:"dsn"`
}
