package claudeauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
)

// newCodeVerifier generates a PKCE verifier and its S256 challenge.
func newCodeVerifier() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// codeFromRedirect extracts the authorization code from a callback URL.
func codeFromRedirect(redirect string) string {
	if redirect == "" {
		return ""
	}
	parsed, err := url.Parse(redirect)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("code")
}
