package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PortRangeMin     int
	PortRangeMax     int
	PortEntryTTL     time.Duration
	PortReleaseGrace time.Duration

	StatusInterval    time.Duration
	ProbeTimeout      time.Duration
	DockerStatsEnable bool

	HeartbeatSweepInterval time.Duration
	ConnectionIdleTimeout  time.Duration

	RateLimitRedisEnable bool
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://deploydeck:deploydeck@db:5432/deploydeck?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		PortRangeMin:     GetInt("PORT_RANGE_MIN", 3001),
		PortRangeMax:     GetInt("PORT_RANGE_MAX", 3999),
		PortEntryTTL:     time.Duration(GetInt("PORT_ENTRY_TTL_HOURS", 24)) * time.Hour,
		PortReleaseGrace: time.Duration(GetInt("PORT_RELEASE_GRACE_MINUTES", 60)) * time.Minute,

		StatusInterval:    time.Duration(GetInt("STATUS_INTERVAL_SECONDS", 30)) * time.Second,
		ProbeTimeout:      time.Duration(GetInt("PROBE_TIMEOUT_SECONDS", 5)) * time.Second,
		DockerStatsEnable: GetBool("DOCKER_STATS_ENABLE", true),

		HeartbeatSweepInterval: time.Duration(GetInt("WS_SWEEP_SECONDS", 30)) * time.Second,
		ConnectionIdleTimeout:  time.Duration(GetInt("WS_IDLE_TIMEOUT_SECONDS", 60)) * time.Second,

		RateLimitRedisEnable: GetBool("RATE_LIMIT_REDIS_ENABLE", false),
	}
}
