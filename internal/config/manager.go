// Package config provides environment-driven configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"claude-relay/internal/types"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Manager implements types.ConfigManager on top of environment variables.
type Manager struct {
	serverConfig   types.ServerConfig
	authConfig     types.AuthConfig
	corsConfig     types.CORSConfig
	logConfig      types.LogConfig
	poolConfig     types.PoolConfig
	upstreamConfig types.UpstreamConfig
	dataDir        string
	encryptionKey  string
}

// NewManager creates a configuration manager, loading .env if present.
func NewManager() (types.ConfigManager, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}

	manager := &Manager{
		serverConfig: types.ServerConfig{
			Port:                    parseInteger(os.Getenv("PORT"), 3001),
			Host:                    getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:             parseInteger(os.Getenv("SERVER_READ_TIMEOUT"), 60),
			WriteTimeout:            parseInteger(os.Getenv("SERVER_WRITE_TIMEOUT"), 600),
			IdleTimeout:             parseInteger(os.Getenv("SERVER_IDLE_TIMEOUT"), 120),
			GracefulShutdownTimeout: parseInteger(os.Getenv("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT"), 10),
		},
		authConfig: types.AuthConfig{
			Key: os.Getenv("AUTH_KEY"),
		},
		corsConfig: types.CORSConfig{
			Enabled:          parseBoolean(os.Getenv("ENABLE_CORS"), true),
			AllowedOrigins:   parseArray(os.Getenv("ALLOWED_ORIGINS"), []string{"*"}),
			AllowedMethods:   parseArray(os.Getenv("ALLOWED_METHODS"), []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:   parseArray(os.Getenv("ALLOWED_HEADERS"), []string{"*"}),
			AllowCredentials: parseBoolean(os.Getenv("ALLOW_CREDENTIALS"), false),
		},
		logConfig: types.LogConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			Format:     getEnvOrDefault("LOG_FORMAT", "text"),
			EnableFile: parseBoolean(os.Getenv("LOG_ENABLE_FILE"), false),
			FilePath:   getEnvOrDefault("LOG_FILE_PATH", "./data/logs/app.log"),
		},
		poolConfig: types.PoolConfig{
			MaxSessionsPerAccount: parseInteger(os.Getenv("MAX_SESSIONS_PER_ACCOUNT"), 3),
			ReconcileInterval:     time.Duration(parseInteger(os.Getenv("RECONCILE_INTERVAL_SECONDS"), 60)) * time.Second,
			ProxyURL:              os.Getenv("PROXY_URL"),
			ProxyPool:             parseArray(os.Getenv("PROXY_POOL"), nil),
			LogRetentionDays:      parseInteger(os.Getenv("LOG_RETENTION_DAYS"), 30),
		},
		upstreamConfig: types.UpstreamConfig{
			BaseURL:               getEnvOrDefault("UPSTREAM_BASE_URL", "https://claude.ai"),
			RequestTimeout:        parseInteger(os.Getenv("REQUEST_TIMEOUT"), 600),
			ConnectTimeout:        parseInteger(os.Getenv("CONNECT_TIMEOUT"), 15),
			IdleConnTimeout:       parseInteger(os.Getenv("IDLE_CONN_TIMEOUT"), 120),
			ResponseHeaderTimeout: parseInteger(os.Getenv("RESPONSE_HEADER_TIMEOUT"), 600),
		},
		dataDir:       getEnvOrDefault("DATA_DIR", "./data"),
		encryptionKey: os.Getenv("ENCRYPTION_KEY"),
	}

	if err := manager.Validate(); err != nil {
		return nil, err
	}

	return manager, nil
}

// Validate checks that required configuration is present and sane.
func (m *Manager) Validate() error {
	if m.authConfig.Key == "" {
		return fmt.Errorf("AUTH_KEY environment variable is required")
	}
	if len(m.authConfig.Key) < 16 {
		return fmt.Errorf("AUTH_KEY must be at least 16 characters long")
	}
	if m.serverConfig.Port < 1 || m.serverConfig.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", m.serverConfig.Port)
	}
	if m.poolConfig.MaxSessionsPerAccount < 1 {
		return fmt.Errorf("MAX_SESSIONS_PER_ACCOUNT must be at least 1")
	}
	if m.poolConfig.ReconcileInterval < time.Second {
		return fmt.Errorf("RECONCILE_INTERVAL_SECONDS must be at least 1")
	}
	return nil
}

func (m *Manager) GetAuthConfig() types.AuthConfig         { return m.authConfig }
func (m *Manager) GetCORSConfig() types.CORSConfig         { return m.corsConfig }
func (m *Manager) GetLogConfig() types.LogConfig           { return m.logConfig }
func (m *Manager) GetPoolConfig() types.PoolConfig         { return m.poolConfig }
func (m *Manager) GetUpstreamConfig() types.UpstreamConfig { return m.upstreamConfig }
func (m *Manager) GetDataDir() string                      { return m.dataDir }
func (m *Manager) GetEncryptionKey() string                { return m.encryptionKey }

// GetEffectiveServerConfig returns the server configuration.
func (m *Manager) GetEffectiveServerConfig() types.ServerConfig {
	return m.serverConfig
}

// DisplayServerConfig logs a startup summary of the effective configuration.
func (m *Manager) DisplayServerConfig() {
	logrus.Info("")
	logrus.Info("======= Server Configuration =======")
	logrus.Infof("  Listen address: %s:%d", m.serverConfig.Host, m.serverConfig.Port)
	logrus.Infof("  Upstream: %s", m.upstreamConfig.BaseURL)
	logrus.Infof("  Data directory: %s", m.dataDir)
	logrus.Infof("  Max sessions per account: %d", m.poolConfig.MaxSessionsPerAccount)
	logrus.Infof("  Reconcile interval: %s", m.poolConfig.ReconcileInterval)
	if m.poolConfig.ProxyURL != "" {
		logrus.Info("  Global proxy: configured")
	}
	logrus.Infof("  Proxy pool size: %d", len(m.poolConfig.ProxyPool))
	logrus.Infof("  Credential encryption: %v", m.encryptionKey != "")
	logrus.Info("====================================")
	logrus.Info("")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInteger(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("Invalid integer value %q, using default %d", value, defaultValue)
		return defaultValue
	}
	return parsed
}

func parseBoolean(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logrus.Warnf("Invalid boolean value %q, using default %v", value, defaultValue)
		return defaultValue
	}
	return parsed
}

func parseArray(value string, defaultValue []string) []string {
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
