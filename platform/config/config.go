// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides service-token validation settings for middleware.
type JWTConfig interface {
	GetServiceTokenSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// CRMConfig provides settings for the upstream CRM connection.
type CRMConfig interface {
	GetCRMBaseURL() string
	GetCRMClientID() string
	GetCRMClientSecret() string
	GetCRMLocationID() string
	GetCRMRequestInterval() time.Duration
	GetCRMTokenRefreshBuffer() time.Duration
	GetCRMPageSize() int
	GetCRMFetchConcurrency() int
}

// ReconciliationConfig provides settings for the reconciliation engine.
type ReconciliationConfig interface {
	GetLeadPageSize() int
	GetUpdateBatchSize() int
	GetAppointmentWindowPast() time.Duration
	GetAppointmentWindowFuture() time.Duration
	GetStageMapPath() string
}

// SchedulerConfig provides settings for the asynq scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetReconcileInterval() time.Duration
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                     string
	HTTPAddr                string
	DatabaseURL             string
	ServiceTokenSecret      string
	CORSAllowAll            bool
	CORSOrigins             []string
	CORSAllowCreds          bool
	CRMBaseURL              string
	CRMClientID             string
	CRMClientSecret         string
	CRMLocationID           string
	CRMRequestInterval      time.Duration
	CRMTokenRefreshBuffer   time.Duration
	CRMPageSize             int
	CRMFetchConcurrency     int
	LeadPageSize            int
	UpdateBatchSize         int
	AppointmentWindowPast   time.Duration
	AppointmentWindowFuture time.Duration
	StageMapPath            string
	RedisURL                string
	RedisTLSInsecure        bool
	AsynqQueueName          string
	AsynqConcurrency        int
	ReconcileInterval       time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetServiceTokenSecret() string { return c.ServiceTokenSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// CRMConfig implementation
func (c *Config) GetCRMBaseURL() string                   { return c.CRMBaseURL }
func (c *Config) GetCRMClientID() string                  { return c.CRMClientID }
func (c *Config) GetCRMClientSecret() string              { return c.CRMClientSecret }
func (c *Config) GetCRMLocationID() string                { return c.CRMLocationID }
func (c *Config) GetCRMRequestInterval() time.Duration    { return c.CRMRequestInterval }
func (c *Config) GetCRMTokenRefreshBuffer() time.Duration { return c.CRMTokenRefreshBuffer }
func (c *Config) GetCRMPageSize() int                     { return c.CRMPageSize }
func (c *Config) GetCRMFetchConcurrency() int             { return c.CRMFetchConcurrency }

// ReconciliationConfig implementation
func (c *Config) GetLeadPageSize() int                      { return c.LeadPageSize }
func (c *Config) GetUpdateBatchSize() int                   { return c.UpdateBatchSize }
func (c *Config) GetAppointmentWindowPast() time.Duration   { return c.AppointmentWindowPast }
func (c *Config) GetAppointmentWindowFuture() time.Duration { return c.AppointmentWindowFuture }
func (c *Config) GetStageMapPath() string                   { return c.StageMapPath }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string                 { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool           { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string           { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int            { return c.AsynqConcurrency }
func (c *Config) GetReconcileInterval() time.Duration { return c.ReconcileInterval }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                     getEnv("APP_ENV", "development"),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		ServiceTokenSecret:      getEnv("SERVICE_TOKEN_SECRET", ""),
		CORSAllowAll:            corsAllowAll,
		CORSOrigins:             corsOrigins,
		CORSAllowCreds:          strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		CRMBaseURL:              getEnv("CRM_BASE_URL", "https://services.leadconnectorhq.com"),
		CRMClientID:             getEnv("CRM_CLIENT_ID", ""),
		CRMClientSecret:         getEnv("CRM_CLIENT_SECRET", ""),
		CRMLocationID:           getEnv("CRM_LOCATION_ID", ""),
		CRMRequestInterval:      mustDuration(getEnv("CRM_REQUEST_INTERVAL", "100ms")),
		CRMTokenRefreshBuffer:   mustDuration(getEnv("CRM_TOKEN_REFRESH_BUFFER", "5m")),
		CRMPageSize:             mustInt(getEnv("CRM_PAGE_SIZE", "100")),
		CRMFetchConcurrency:     mustInt(getEnv("CRM_FETCH_CONCURRENCY", "1")),
		LeadPageSize:            mustInt(getEnv("RECON_LEAD_PAGE_SIZE", "1000")),
		UpdateBatchSize:         mustInt(getEnv("RECON_UPDATE_BATCH_SIZE", "50")),
		AppointmentWindowPast:   mustDuration(getEnv("RECON_APPT_WINDOW_PAST", "720h")),
		AppointmentWindowFuture: mustDuration(getEnv("RECON_APPT_WINDOW_FUTURE", "1440h")),
		StageMapPath:            getEnv("RECON_STAGEMAP_PATH", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		RedisTLSInsecure:        strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:          getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:        mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		ReconcileInterval:       mustDuration(getEnv("RECON_INTERVAL", "1h")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	if cfg.CRMRequestInterval <= 0 {
		cfg.CRMRequestInterval = 100 * time.Millisecond
	}
	if cfg.CRMPageSize < 1 {
		cfg.CRMPageSize = 100
	}
	if cfg.CRMFetchConcurrency < 1 {
		cfg.CRMFetchConcurrency = 1
	}
	if cfg.LeadPageSize < 1 {
		cfg.LeadPageSize = 1000
	}
	if cfg.UpdateBatchSize < 1 {
		cfg.UpdateBatchSize = 50
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
