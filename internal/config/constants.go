package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Gateway HTTP client timeout. One probe or artifact fetch must complete
// well inside a single probe interval.
const GatewayRequestTimeout = 10 * time.Second

// Background job intervals
const CleanupJobInterval = 1 * time.Hour

// Window for the pairing-open rate limit
const PairingOpenLimitWindow = 1 * time.Minute
