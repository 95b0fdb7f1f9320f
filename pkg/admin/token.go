package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// HashToken returns the sha256 hex digest stored in place of a plain token.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// MatchToken compares a presented token with the stored one, which is either
// a sha256 hex digest or (older configs) the plain token itself.
func MatchToken(provided, stored string) bool {
	if provided == "" || stored == "" {
		return false
	}
	if len(stored) == sha256.Size*2 {
		ph := HashToken(provided)
		if subtle.ConstantTimeCompare([]byte(ph), []byte(strings.ToLower(stored))) == 1 {
			return true
		}
	}
	if len(provided) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(stored)) == 1
}

// EnsureToken loads the token hash kept in dir/token. On first use it
// generates a random token, stores only its hash and returns the plain
// value with first set so the caller can show it once.
func EnsureToken(dir string) (plain, hashed string, first bool, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", false, err
	}
	file := filepath.Join(dir, "token")
	if b, err := os.ReadFile(file); err == nil {
		return "", strings.TrimSpace(string(b)), false, nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", false, err
	}
	plain = base64.RawURLEncoding.EncodeToString(raw)
	hashed = HashToken(plain)
	if err := os.WriteFile(file, []byte(hashed), 0o600); err != nil {
		return "", "", false, err
	}
	return plain, hashed, true, nil
}

// tokenFrom reads X-Auth-Token, then a Bearer header, then ?token=.
func tokenFrom(r *http.Request) string {
	if v := r.Header.Get("X-Auth-Token"); v != "" {
		return v
	}
	const p = "Bearer "
	if ah := r.Header.Get("Authorization"); len(ah) > len(p) && ah[:len(p)] == p {
		return ah[len(p):]
	}
	return r.URL.Query().Get("token")
}
