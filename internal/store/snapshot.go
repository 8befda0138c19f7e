// Package store provides best-effort snapshot persistence for the account
// pool. The in-memory pool is always the source of truth; the on-disk
// snapshot only exists so the pool survives restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"claude-relay/internal/encryption"
	"claude-relay/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	snapshotVersion  = 1
	snapshotFileName = "accounts.json"
)

// SnapshotStore persists and restores the account set.
type SnapshotStore interface {
	Save(accounts map[string]*models.Account) error
	Load() (map[string]*models.Account, error)
}

// accountRecord is the fixed on-disk shape of one account. Credential fields
// are encrypted with the configured encryption service.
type accountRecord struct {
	OrganizationID string               `json:"organization_id"`
	CookieValue    string               `json:"cookie_value,omitempty"`
	OAuthToken     *oauthTokenRecord    `json:"oauth_token,omitempty"`
	AuthType       models.AuthType      `json:"auth_type"`
	Capabilities   models.Capabilities  `json:"capabilities"`
	Status         models.AccountStatus `json:"status"`
	ResetsAt       *time.Time           `json:"resets_at,omitempty"`
	LastUsed       time.Time            `json:"last_used"`
}

type oauthTokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

// snapshotDocument is the versioned top-level snapshot structure.
type snapshotDocument struct {
	Version  int                      `json:"version"`
	Accounts map[string]accountRecord `json:"accounts"`
}

// FileStore is a JSON-file-backed SnapshotStore.
type FileStore struct {
	path          string
	encryptionSvc encryption.Service
}

// NewFileStore creates a FileStore rooted at the given data directory.
func NewFileStore(dataDir string, encryptionSvc encryption.Service) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{
		path:          filepath.Join(dataDir, snapshotFileName),
		encryptionSvc: encryptionSvc,
	}, nil
}

// Save writes all accounts to disk atomically (temp file + rename).
func (s *FileStore) Save(accounts map[string]*models.Account) error {
	doc := snapshotDocument{
		Version:  snapshotVersion,
		Accounts: make(map[string]accountRecord, len(accounts)),
	}

	for orgID, account := range accounts {
		record, err := s.toRecord(account)
		if err != nil {
			return fmt.Errorf("failed to encode account %s: %w", orgID, err)
		}
		doc.Accounts[orgID] = record
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}

	logrus.WithField("accounts", len(doc.Accounts)).Debug("Saved account snapshot")
	return nil
}

// Load reads the snapshot from disk. A missing, malformed, or
// wrong-version snapshot yields an empty pool rather than an error.
func (s *FileStore) Load() (map[string]*models.Account, error) {
	accounts := make(map[string]*models.Account)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", s.path).Info("No account snapshot found, starting with empty pool")
			return accounts, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logrus.WithError(err).Warn("Account snapshot is malformed, starting with empty pool")
		return accounts, nil
	}
	if doc.Version != snapshotVersion {
		logrus.WithField("version", doc.Version).Warn("Unsupported snapshot version, starting with empty pool")
		return accounts, nil
	}

	for orgID, record := range doc.Accounts {
		account, err := s.fromRecord(record)
		if err != nil {
			logrus.WithError(err).WithField("organization_id", orgID).Warn("Skipping unreadable account record")
			continue
		}
		accounts[orgID] = account
	}

	logrus.WithField("accounts", len(accounts)).Info("Loaded account snapshot")
	return accounts, nil
}

func (s *FileStore) toRecord(account *models.Account) (accountRecord, error) {
	record := accountRecord{
		OrganizationID: account.OrganizationID,
		AuthType:       account.AuthType,
		Capabilities:   account.Capabilities,
		Status:         account.Status,
		ResetsAt:       account.ResetsAt,
		LastUsed:       account.LastUsed,
	}

	if account.CookieValue != "" {
		encrypted, err := s.encryptionSvc.Encrypt(account.CookieValue)
		if err != nil {
			return accountRecord{}, fmt.Errorf("failed to encrypt cookie: %w", err)
		}
		record.CookieValue = encrypted
	}

	if account.OAuthToken != nil {
		access, err := s.encryptionSvc.Encrypt(account.OAuthToken.AccessToken)
		if err != nil {
			return accountRecord{}, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		refresh := ""
		if account.OAuthToken.RefreshToken != "" {
			refresh, err = s.encryptionSvc.Encrypt(account.OAuthToken.RefreshToken)
			if err != nil {
				return accountRecord{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
		}
		record.OAuthToken = &oauthTokenRecord{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    account.OAuthToken.ExpiresAt,
		}
	}

	return record, nil
}

func (s *FileStore) fromRecord(record accountRecord) (*models.Account, error) {
	account := &models.Account{
		OrganizationID: record.OrganizationID,
		AuthType:       record.AuthType,
		Capabilities:   record.Capabilities,
		Status:         record.Status,
		ResetsAt:       record.ResetsAt,
		LastUsed:       record.LastUsed,
	}

	switch record.AuthType {
	case models.AuthTypeCookieOnly, models.AuthTypeOAuthOnly, models.AuthTypeBoth:
	default:
		return nil, fmt.Errorf("unknown auth type %q", record.AuthType)
	}

	if record.CookieValue != "" {
		decrypted, err := s.encryptionSvc.Decrypt(record.CookieValue)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt cookie: %w", err)
		}
		account.CookieValue = decrypted
	}

	if record.OAuthToken != nil {
		access, err := s.encryptionSvc.Decrypt(record.OAuthToken.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		refresh := ""
		if record.OAuthToken.RefreshToken != "" {
			refresh, err = s.encryptionSvc.Decrypt(record.OAuthToken.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
			}
		}
		account.OAuthToken = &models.OAuthToken{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    record.OAuthToken.ExpiresAt,
		}
	}

	return account, nil
}
