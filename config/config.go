package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Scan store
	ScanDBPath string

	// Credential configuration
	TenantID            string
	SigningMasterSecret string

	// Replay guard
	ReplayWindow        time.Duration
	ReplayClockSkew     time.Duration
	EscalationThreshold int
	EscalationWindow    time.Duration
	BlockDuration       time.Duration

	// State machine
	ApplyMaxRetries int
	OfflineGrace    time.Duration

	// Reconciler
	ReconcileWorkers int
	SyncHistoryLimit int

	// Estimator
	EstimatorWindow          time.Duration
	EstimatorEfficiency      float64
	EstimatorDefaultVelocity float64
	EstimatorSampleInterval  time.Duration

	// Device
	Device DeviceConfig

	// Monitoring
	EnableMetrics bool
}

// DeviceConfig configures the offline queue running on a scanning device.
type DeviceConfig struct {
	DeviceID       string
	EventRef       string
	ServerURL      string
	DBPath         string
	DrainInterval  time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRetries     int
	BatchSize      int
	RequestTimeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Store
		ScanDBPath: getEnv("SCAN_DB_PATH", "pb_data/scan.db"),

		// Credentials
		TenantID:            getEnv("TENANT_ID", "default"),
		SigningMasterSecret: getEnv("SIGNING_MASTER_SECRET", ""),

		// Replay guard
		ReplayWindow:        getEnvAsDuration("REPLAY_WINDOW", "5m"),
		ReplayClockSkew:     getEnvAsDuration("REPLAY_CLOCK_SKEW", "1m"),
		EscalationThreshold: getEnvAsInt("ESCALATION_THRESHOLD", 10),
		EscalationWindow:    getEnvAsDuration("ESCALATION_WINDOW", "10m"),
		BlockDuration:       getEnvAsDuration("BLOCK_DURATION", "15m"),

		// State machine
		ApplyMaxRetries: getEnvAsInt("APPLY_MAX_RETRIES", 3),
		OfflineGrace:    getEnvAsDuration("OFFLINE_GRACE", "6h"),

		// Reconciler
		ReconcileWorkers: getEnvAsInt("RECONCILE_WORKERS", 8),
		SyncHistoryLimit: getEnvAsInt("SYNC_HISTORY_LIMIT", 50),

		// Estimator
		EstimatorWindow:          getEnvAsDuration("ESTIMATOR_WINDOW", "15m"),
		EstimatorEfficiency:      getEnvAsFloat("ESTIMATOR_EFFICIENCY", 0.85),
		EstimatorDefaultVelocity: getEnvAsFloat("ESTIMATOR_DEFAULT_VELOCITY", 6),
		EstimatorSampleInterval:  getEnvAsDuration("ESTIMATOR_SAMPLE_INTERVAL", "1m"),

		Device: DeviceConfig{
			DeviceID:       getEnv("DEVICE_ID", ""),
			EventRef:       getEnv("DEVICE_EVENT_REF", ""),
			ServerURL:      getEnv("DEVICE_SERVER_URL", "http://localhost:8090"),
			DBPath:         getEnv("DEVICE_DB_PATH", "device.db"),
			DrainInterval:  getEnvAsDuration("DEVICE_DRAIN_INTERVAL", "5s"),
			BackoffBase:    getEnvAsDuration("DEVICE_BACKOFF_BASE", "2s"),
			BackoffCap:     getEnvAsDuration("DEVICE_BACKOFF_CAP", "5m"),
			MaxRetries:     getEnvAsInt("DEVICE_MAX_RETRIES", 8),
			BatchSize:      getEnvAsInt("DEVICE_BATCH_SIZE", 25),
			RequestTimeout: getEnvAsDuration("DEVICE_REQUEST_TIMEOUT", "10s"),
		},

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
