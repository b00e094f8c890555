package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the service
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	App          AppConfig
	Fleet        FleetConfig
	Provisioning ProvisioningConfig
	Staging      StagingConfig
	Backup       BackupConfig
	Monitoring   MonitoringConfig
	Sentry       SentryConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
	Mode string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL string
}

// AppConfig holds application configuration
type AppConfig struct {
	Environment string
	LogLevel    string
}

// SentryConfig holds crash reporting configuration
type SentryConfig struct {
	DSN string
}

// FleetConfig holds fleet-wide layout configuration
type FleetConfig struct {
	TenantRoot        string // base directory for tenant stacks, e.g. /srv/tenants
	BaseDomain        string // base domain for tenant hostnames, e.g. storehost.app
	HeartbeatTTL      time.Duration
	ReaperInterval    time.Duration
	ProxyConfigDir    string
	ProxyReloadCmd    string
	StagingPortOffset int // offset between production and staging port ranges
	CertEmail         string
}

// ProvisioningConfig holds provisioning worker configuration
type ProvisioningConfig struct {
	Workers             int
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	StepTimeout         time.Duration
	CertTimeout         time.Duration
}

// StagingConfig holds staging sync configuration
type StagingConfig struct {
	SyncTimeout time.Duration
}

// BackupConfig holds backup and restore configuration
type BackupConfig struct {
	Repository     string // content-addressed store location, e.g. /srv/backups/repo
	PasswordFile   string
	Schedule       time.Duration
	ScheduleJitter time.Duration
	ScratchDir     string
	CommandTimeout time.Duration
}

// MonitoringConfig holds health monitoring configuration
type MonitoringConfig struct {
	CheckInterval       time.Duration
	ProbeTimeout        time.Duration
	DownThreshold       int // consecutive failed probes before status flips to down
	CPUWarnPercent      float64
	MemoryWarnPercent   float64
	DiskWarnPercent     float64
	DiskQuotaMB         float64 // per-tenant disk allowance, denominator for the disk gauge
	AlertCooldown       time.Duration
	UptimeWindow        time.Duration
	SampleRetention     time.Duration
}

// New loads configuration from environment variables
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8090"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "fleet"),
			Password: getEnv("DB_PASSWORD", "fleet"),
			Name:     getEnv("DB_NAME", "fleet_orchestrator"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		App: AppConfig{
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Sentry: SentryConfig{
			DSN: getEnv("SENTRY_DSN", ""),
		},
		Fleet: FleetConfig{
			TenantRoot:        getEnv("FLEET_TENANT_ROOT", "/srv/tenants"),
			BaseDomain:        getEnv("FLEET_BASE_DOMAIN", "storehost.app"),
			HeartbeatTTL:      getEnvDuration("FLEET_HEARTBEAT_TTL", 3*time.Minute),
			ReaperInterval:    getEnvDuration("FLEET_REAPER_INTERVAL", time.Minute),
			ProxyConfigDir:    getEnv("PROXY_CONFIG_DIR", "/etc/nginx/tenants.d"),
			ProxyReloadCmd:    getEnv("PROXY_RELOAD_CMD", "nginx -s reload"),
			StagingPortOffset: getEnvInt("STAGING_PORT_OFFSET", 1000),
			CertEmail:         getEnv("FLEET_CERT_EMAIL", "ops@storehost.app"),
		},
		Provisioning: ProvisioningConfig{
			Workers:             getEnvInt("PROVISIONING_WORKERS", 4),
			PollInterval:        getEnvDuration("PROVISIONING_POLL_INTERVAL", 2*time.Second),
			HealthCheckInterval: getEnvDuration("PROVISIONING_HEALTH_INTERVAL", 5*time.Second),
			HealthCheckTimeout:  getEnvDuration("PROVISIONING_HEALTH_TIMEOUT", 300*time.Second),
			StepTimeout:         getEnvDuration("PROVISIONING_STEP_TIMEOUT", 120*time.Second),
			CertTimeout:         getEnvDuration("PROVISIONING_CERT_TIMEOUT", 180*time.Second),
		},
		Staging: StagingConfig{
			SyncTimeout: getEnvDuration("STAGING_SYNC_TIMEOUT", 15*time.Minute),
		},
		Backup: BackupConfig{
			Repository:     getEnv("BACKUP_REPOSITORY", "/srv/backups/repo"),
			PasswordFile:   getEnv("BACKUP_PASSWORD_FILE", "/etc/fleet/backup-password"),
			Schedule:       getEnvDuration("BACKUP_SCHEDULE", 24*time.Hour),
			ScheduleJitter: getEnvDuration("BACKUP_SCHEDULE_JITTER", 30*time.Minute),
			ScratchDir:     getEnv("BACKUP_SCRATCH_DIR", "/var/tmp/fleet-restore"),
			CommandTimeout: getEnvDuration("BACKUP_COMMAND_TIMEOUT", 30*time.Minute),
		},
		Monitoring: MonitoringConfig{
			CheckInterval:     getEnvDuration("MONITORING_CHECK_INTERVAL", time.Minute),
			ProbeTimeout:      getEnvDuration("MONITORING_PROBE_TIMEOUT", 10*time.Second),
			DownThreshold:     getEnvInt("MONITORING_DOWN_THRESHOLD", 3),
			CPUWarnPercent:    getEnvFloat("MONITORING_CPU_WARN_PERCENT", 90),
			MemoryWarnPercent: getEnvFloat("MONITORING_MEMORY_WARN_PERCENT", 90),
			DiskWarnPercent:   getEnvFloat("MONITORING_DISK_WARN_PERCENT", 85),
			DiskQuotaMB:       getEnvFloat("MONITORING_DISK_QUOTA_MB", 10240),
			AlertCooldown:     getEnvDuration("MONITORING_ALERT_COOLDOWN", time.Hour),
			UptimeWindow:      getEnvDuration("MONITORING_UPTIME_WINDOW", 24*time.Hour),
			SampleRetention:   getEnvDuration("MONITORING_SAMPLE_RETENTION", 48*time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
