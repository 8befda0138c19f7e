package httpclient

import (
	"net/http"
	"testing"
	"time"

	"claude-relay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfig struct {
	proxyURL string
}

func (s *stubConfig) GetAuthConfig() types.AuthConfig { return types.AuthConfig{} }
func (s *stubConfig) GetCORSConfig() types.CORSConfig { return types.CORSConfig{} }
func (s *stubConfig) GetLogConfig() types.LogConfig   { return types.LogConfig{} }
func (s *stubConfig) GetPoolConfig() types.PoolConfig {
	return types.PoolConfig{
		MaxSessionsPerAccount: 3,
		ReconcileInterval:     time.Minute,
		ProxyURL:              s.proxyURL,
	}
}
func (s *stubConfig) GetUpstreamConfig() types.UpstreamConfig {
	return types.UpstreamConfig{
		BaseURL:        "https://claude.ai",
		RequestTimeout: 600,
	}
}
func (s *stubConfig) GetEffectiveServerConfig() types.ServerConfig { return types.ServerConfig{} }
func (s *stubConfig) GetDataDir() string                           { return "" }
func (s *stubConfig) GetEncryptionKey() string                     { return "" }
func (s *stubConfig) Validate() error                              { return nil }
func (s *stubConfig) DisplayServerConfig()                         {}

func TestGetClientCachesPerProxy(t *testing.T) {
	manager := NewManager(&stubConfig{})
	defer manager.Cleanup()

	direct1 := manager.GetClient("")
	direct2 := manager.GetClient("")
	assert.Same(t, direct1, direct2)

	proxied := manager.GetClient("socks5://127.0.0.1:1080")
	assert.NotSame(t, direct1, proxied)

	proxiedAgain := manager.GetClient("socks5://127.0.0.1:1080")
	assert.Same(t, proxied, proxiedAgain)
}

func TestBaseURL(t *testing.T) {
	manager := NewManager(&stubConfig{})
	defer manager.Cleanup()

	assert.Equal(t, "https://claude.ai", manager.BaseURL())
}

func TestApplyBrowserHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://claude.ai/api/organizations", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom-agent")

	ApplyBrowserHeaders(req, "https://claude.ai")

	// Caller-set headers win.
	assert.Equal(t, "custom-agent", req.Header.Get("User-Agent"))
	assert.Equal(t, "https://claude.ai", req.Header.Get("Referer"))
	assert.Equal(t, "https://claude.ai", req.Header.Get("Origin"))
	assert.Equal(t, "gzip, br", req.Header.Get("Accept-Encoding"))
}

func TestApplyBrowserHeadersKeepsExistingOrigin(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://claude.ai/v1/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://other.example.com")

	ApplyBrowserHeaders(req, "https://claude.ai")

	assert.Equal(t, "https://other.example.com", req.Header.Get("Origin"))
}
