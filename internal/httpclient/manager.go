// Package httpclient provides the upstream HTTP client pool. Clients carry a
// browser TLS fingerprint and are cached per egress proxy so each account's
// traffic reuses its own connections.
package httpclient

import (
	"net/http"
	"sync"
	"time"

	"claude-relay/internal/types"
	"claude-relay/internal/utils"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/sirupsen/logrus"
)

// Manager caches upstream HTTP clients keyed by proxy URL. The empty key is
// the direct connection.
type Manager struct {
	clients sync.Map
	timeout time.Duration
	baseURL string
}

// NewManager creates the client manager from upstream configuration.
func NewManager(configManager types.ConfigManager) *Manager {
	upstream := configManager.GetUpstreamConfig()
	return &Manager{
		timeout: time.Duration(upstream.RequestTimeout) * time.Second,
		baseURL: upstream.BaseURL,
	}
}

// BaseURL returns the configured upstream base URL.
func (m *Manager) BaseURL() string {
	return m.baseURL
}

// GetClient returns an HTTP client routed through the given proxy. Clients
// are cached for connection reuse; concurrent first calls race safely via
// LoadOrStore.
func (m *Manager) GetClient(proxyURL string) *http.Client {
	cacheKey := proxyURL
	if cacheKey == "" {
		cacheKey = "__direct__"
	}

	if cached, ok := m.clients.Load(cacheKey); ok {
		return cached.(*http.Client)
	}

	client := m.createClient(proxyURL)
	actual, _ := m.clients.LoadOrStore(cacheKey, client)
	return actual.(*http.Client)
}

// createClient builds a client with a Chrome TLS fingerprint. The upstream
// rejects default Go TLS handshakes, so a plain client is only a fallback
// for environments where tls-client initialization fails.
func (m *Manager) createClient(proxyURL string) *http.Client {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(m.timeout.Seconds())),
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithRandomTLSExtensionOrder(),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	tlsClient, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		logrus.WithError(err).WithField("proxy", utils.MaskProxyURL(proxyURL)).
			Warn("Failed to create fingerprinted client, falling back to standard client")
		return &http.Client{Timeout: m.timeout}
	}

	logrus.WithField("proxy", utils.MaskProxyURL(proxyURL)).Debug("Created upstream HTTP client")
	return &http.Client{
		Transport: &tlsClientTransport{client: tlsClient},
		Timeout:   m.timeout,
	}
}

// Cleanup drops all cached clients. Called during shutdown; idle connections
// are collected with the clients.
func (m *Manager) Cleanup() {
	m.clients.Range(func(key, value any) bool {
		m.clients.Delete(key)
		return true
	})
	logrus.Debug("Upstream HTTP client cache cleared")
}

// tlsClientTransport adapts tls-client to the standard http.RoundTripper.
type tlsClientTransport struct {
	client tls_client.HttpClient
}

func (t *tlsClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fhttpReq := &fhttp.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: convertHeaders(req.Header),
		Body:   req.Body,
	}
	fhttpReq = fhttpReq.WithContext(req.Context())

	fhttpResp, err := t.client.Do(fhttpReq)
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        fhttpResp.Status,
		StatusCode:    fhttpResp.StatusCode,
		Proto:         fhttpResp.Proto,
		ProtoMajor:    fhttpResp.ProtoMajor,
		ProtoMinor:    fhttpResp.ProtoMinor,
		Header:        convertHeadersBack(fhttpResp.Header),
		Body:          fhttpResp.Body,
		ContentLength: fhttpResp.ContentLength,
		Request:       req,
	}, nil
}

func convertHeaders(h http.Header) fhttp.Header {
	fh := make(fhttp.Header, len(h))
	for k, v := range h {
		fh[k] = v
	}
	return fh
}

func convertHeadersBack(fh fhttp.Header) http.Header {
	h := make(http.Header, len(fh))
	for k, v := range fh {
		h[k] = v
	}
	return h
}
