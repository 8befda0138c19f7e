package accountpool

import (
	"net/url"

	app_errors "claude-relay/internal/errors"
	"claude-relay/internal/utils"

	"github.com/sirupsen/logrus"
)

// ProxyPool returns a copy of the current egress proxy pool.
func (m *Manager) ProxyPool() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.proxyPool...)
}

// AddProxy appends a proxy to the pool and persists the change. Duplicates
// and malformed URLs are rejected. Returns the new proxy's index.
func (m *Manager) AddProxy(proxyURL string) (int, error) {
	if err := validateProxyURL(proxyURL); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.proxyPool {
		if existing == proxyURL {
			return 0, app_errors.NewAPIError(app_errors.ErrDuplicateResource, "Proxy already exists in pool")
		}
	}

	m.proxyPool = append(m.proxyPool, proxyURL)
	if err := m.proxyStore.SaveProxyPool(m.proxyPool); err != nil {
		m.proxyPool = m.proxyPool[:len(m.proxyPool)-1]
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"proxy": utils.MaskProxyURL(proxyURL),
		"total": len(m.proxyPool),
	}).Info("Added proxy to pool")
	return len(m.proxyPool) - 1, nil
}

// DeleteProxy removes the proxy at the given index and persists the change.
func (m *Manager) DeleteProxy(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.proxyPool) {
		return app_errors.NewAPIError(app_errors.ErrResourceNotFound, "Proxy index out of range")
	}

	removed := m.proxyPool[index]
	updated := append(append([]string(nil), m.proxyPool[:index]...), m.proxyPool[index+1:]...)
	if err := m.proxyStore.SaveProxyPool(updated); err != nil {
		return err
	}
	m.proxyPool = updated

	logrus.WithFields(logrus.Fields{
		"proxy": utils.MaskProxyURL(removed),
		"total": len(m.proxyPool),
	}).Info("Removed proxy from pool")
	return nil
}

// validateProxyURL accepts socks5, http, and https proxy URLs with a host.
func validateProxyURL(proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return app_errors.NewValidationError("Invalid proxy URL")
	}
	switch parsed.Scheme {
	case "socks5", "http", "https":
	default:
		return app_errors.NewValidationError("Proxy URL must use socks5, http, or https scheme")
	}
	if parsed.Host == "" || parsed.Port() == "" {
		return app_errors.NewValidationError("Proxy URL must include host and port")
	}
	return nil
}
