package state

import (
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// TOTPAuthenticator validates operator one-time codes against a shared
// secret and blocks replays of the same code within the replay window.
type TOTPAuthenticator struct {
	secret string

	mu         sync.Mutex
	lastCode   string
	lastUsedAt time.Time
}

// NewTOTPAuthenticator creates a validator for the given base32 secret.
func NewTOTPAuthenticator(secret string) *TOTPAuthenticator {
	return &TOTPAuthenticator{secret: secret}
}

// Validate returns true for a currently valid code that has not been used
// within the last 60 s.
func (t *TOTPAuthenticator) Validate(code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	if code == t.lastCode && now.Sub(t.lastUsedAt) < 60*time.Second {
		return false
	}
	if !totp.Validate(code, t.secret) {
		return false
	}
	t.lastCode = code
	t.lastUsedAt = now
	return true
}
