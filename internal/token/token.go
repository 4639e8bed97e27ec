// Package token issues and validates signer access tokens. Only the SHA-256
// hash of a token is ever persisted; the raw value leaves the process once,
// inside the invitation or reminder notification.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pitabwire/covenant/model"
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 7 * 24 * time.Hour

	rawBytes  = 32
	rawLength = rawBytes * 2
)

// Token is a freshly issued secret. Raw must not be stored.
type Token struct {
	Raw       string
	Hash      string
	ExpiresAt time.Time
}

// Record is the persisted state a token is checked against.
type Record struct {
	Hash             string
	ExpiresAt        *time.Time
	SignerStatus     model.SignerStatus
	SessionStatus    string
	SessionExpiresAt time.Time
}

// Issuer creates tokens with a fixed lifetime.
type Issuer struct {
	ttl time.Duration
	now func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer. A non-positive ttl selects DefaultTTL.
func NewIssuer(ttl time.Duration, opts ...Option) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue generates a new token from the system CSPRNG.
func (i *Issuer) Issue() (Token, error) {
	buf := make([]byte, rawBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("read random bytes: %w", err)
	}
	raw := hex.EncodeToString(buf)
	return Token{
		Raw:       raw,
		Hash:      Hash(raw),
		ExpiresAt: i.now().UTC().Add(i.ttl),
	}, nil
}

// Hash returns the hex SHA-256 digest of raw.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether raw has the shape of an issued token.
func WellFormed(raw string) bool {
	if len(raw) != rawLength {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}

// Matches compares the hash of raw with storedHash in constant time.
func Matches(raw, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(raw)), []byte(storedHash)) == 1
}

// Validate checks raw against rec at time now. Checks run in a fixed order
// and the first failure wins: INVALID_TOKEN, EXPIRED_TOKEN,
// TOKEN_ALREADY_USED, SESSION_INACTIVE.
func Validate(raw string, rec Record, now time.Time) error {
	if !WellFormed(raw) || !Matches(raw, rec.Hash) {
		return model.NewInvalidTokenError()
	}
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		return model.NewExpiredTokenError()
	}
	if rec.SignerStatus.Terminal() {
		return model.NewTokenAlreadyUsedError()
	}
	if rec.SessionStatus != model.SessionStatusActive {
		return model.NewSessionInactiveError(fmt.Sprintf("signing session is %s", rec.SessionStatus))
	}
	if now.After(rec.SessionExpiresAt) {
		return model.NewSessionInactiveError("signing session has expired")
	}
	return nil
}
