package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// EnvToken overrides the admin token file.
const EnvToken = "LIVETRACK_TOKEN"

// GenerateToken creates a random 32-character alphanumeric admin token
// and writes it to dataDir/admin-token with permissions 0600.
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}

	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("writing token to %s: %w", path, err)
	}

	return token, nil
}

// LoadOrGenerateToken returns the admin token a tracker server enforces:
//  1. LIVETRACK_TOKEN environment variable
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerateToken(dataDir string) (string, error) {
	if token := LoadToken(dataDir); token != "" {
		return token, nil
	}
	return GenerateToken(dataDir)
}

// LoadToken returns the admin token from the environment or dataDir, or ""
// when neither has one.
func LoadToken(dataDir string) string {
	if envToken := strings.TrimSpace(os.Getenv(EnvToken)); envToken != "" {
		return envToken
	}
	if data, err := os.ReadFile(tokenPath(dataDir)); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

// Equal reports whether candidate matches token in constant time. An empty
// token matches nothing.
func Equal(token, candidate string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(strings.TrimSpace(candidate))) == 1
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "admin-token")
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
