// Package pkce generates Proof Key for Code Exchange pairs (RFC 7636) for the
// authorization code flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only challenge method the broker issues.
const MethodS256 = "S256"

// Codes holds a PKCE verifier and its derived challenge.
type Codes struct {
	// CodeVerifier is the secret kept server-side until the code exchange.
	CodeVerifier string
	// CodeChallenge is base64url(SHA256(CodeVerifier)) and is sent with the authorization request.
	CodeChallenge string
}

// Generate creates a new pair of PKCE codes.
// It creates a cryptographically random code verifier and its corresponding
// SHA256 code challenge.
func Generate() (*Codes, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &Codes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: Challenge(codeVerifier),
	}, nil
}

// generateCodeVerifier returns 96 random bytes encoded as 128 URL-safe characters,
// the maximum verifier length allowed.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 96)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
