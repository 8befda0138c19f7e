package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const configFileName = "config.json"

// ProxyPoolStore persists admin changes to the egress proxy pool so they
// survive restarts alongside the env-provided defaults.
type ProxyPoolStore interface {
	SaveProxyPool(proxies []string) error
	LoadProxyPool() ([]string, bool)
}

// ConfigFileStore keeps runtime-mutable configuration in a JSON document
// next to the account snapshot. Unknown keys in the file are preserved.
type ConfigFileStore struct {
	path string
}

// NewConfigFileStore creates the store under the data directory.
func NewConfigFileStore(dataDir string) (*ConfigFileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &ConfigFileStore{path: filepath.Join(dataDir, configFileName)}, nil
}

// SaveProxyPool writes the proxy pool into the config document atomically.
func (s *ConfigFileStore) SaveProxyPool(proxies []string) error {
	doc := s.readDocument()
	raw, err := json.Marshal(proxies)
	if err != nil {
		return fmt.Errorf("failed to marshal proxy pool: %w", err)
	}
	doc["proxy_pool"] = raw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// LoadProxyPool returns the persisted proxy pool. The second return is false
// when the config document has no proxy pool entry.
func (s *ConfigFileStore) LoadProxyPool() ([]string, bool) {
	doc := s.readDocument()
	raw, ok := doc["proxy_pool"]
	if !ok {
		return nil, false
	}

	var proxies []string
	if err := json.Unmarshal(raw, &proxies); err != nil {
		logrus.WithError(err).Warn("Malformed proxy pool in config file, ignoring")
		return nil, false
	}
	return proxies, true
}

// readDocument loads the config file as raw entries; a missing or malformed
// file yields an empty document.
func (s *ConfigFileStore) readDocument() map[string]json.RawMessage {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).Warn("Failed to read config file, starting empty")
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		logrus.WithError(err).Warn("Malformed config file, starting empty")
		return make(map[string]json.RawMessage)
	}
	return doc
}
