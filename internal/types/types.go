package types

import "time"

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetAuthConfig() AuthConfig
	GetCORSConfig() CORSConfig
	GetLogConfig() LogConfig
	GetPoolConfig() PoolConfig
	GetUpstreamConfig() UpstreamConfig
	GetEffectiveServerConfig() ServerConfig
	GetDataDir() string
	GetEncryptionKey() string
	Validate() error
	DisplayServerConfig()
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port                    int    `json:"port"`
	Host                    string `json:"host"`
	ReadTimeout             int    `json:"read_timeout"`
	WriteTimeout            int    `json:"write_timeout"`
	IdleTimeout             int    `json:"idle_timeout"`
	GracefulShutdownTimeout int    `json:"graceful_shutdown_timeout"`
}

// AuthConfig represents admin authentication configuration
type AuthConfig struct {
	Key string `json:"key"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	EnableFile bool   `json:"enable_file"`
	FilePath   string `json:"file_path"`
}

// PoolConfig represents account pool configuration
type PoolConfig struct {
	// MaxSessionsPerAccount caps how many concurrent sessions a single
	// account may serve before it is excluded from selection.
	MaxSessionsPerAccount int `json:"max_sessions_per_account"`
	// ReconcileInterval is the period of the background reconciliation loop.
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	// ProxyURL is the global fallback egress proxy. Empty means direct.
	ProxyURL string `json:"proxy_url"`
	// ProxyPool is the list of egress proxies assigned to accounts by rank.
	ProxyPool []string `json:"proxy_pool"`
	// LogRetentionDays controls conversation log cleanup.
	LogRetentionDays int `json:"log_retention_days"`
}

// UpstreamConfig represents upstream API configuration
type UpstreamConfig struct {
	BaseURL               string `json:"base_url"`
	RequestTimeout        int    `json:"request_timeout"`
	ConnectTimeout        int    `json:"connect_timeout"`
	IdleConnTimeout       int    `json:"idle_conn_timeout"`
	ResponseHeaderTimeout int    `json:"response_header_timeout"`
}
