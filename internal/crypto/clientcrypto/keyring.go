package clientcrypto

import (
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"

	"github.com/and161185/draft-keeper/internal/errs"
)

// CredentialSource supplies the current raw bearer credential; "" means logged out.
type CredentialSource interface {
	Credential() string
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func() string

// Credential implements CredentialSource.
func (f CredentialFunc) Credential() string { return f() }

// KeyRing caches the key derived for the current credential and re-derives on rotation.
type KeyRing struct {
	src    CredentialSource
	params Params
	clock  clock.PassiveClock

	mu          sync.Mutex
	fingerprint [sha256.Size]byte
	key         *Key
	expiresAt   time.Time // zero when the credential carries no exp claim
}

// NewKeyRing constructs a KeyRing. A nil clock means the real clock.
func NewKeyRing(src CredentialSource, p Params, clk clock.PassiveClock) *KeyRing {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &KeyRing{src: src, params: p, clock: clk}
}

// CurrentKey returns the key for the credential currently supplied by the source.
// It returns errs.ErrNoKey when there is no credential or the credential has expired.
func (r *KeyRing) CurrentKey() (*Key, error) {
	cred := ""
	if r.src != nil {
		cred = strings.TrimSpace(r.src.Credential())
	}
	if cred == "" {
		r.Forget()
		return nil, errs.ErrNoKey
	}
	fp := sha256.Sum256([]byte(cred))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.key != nil && r.fingerprint == fp {
		if !r.expiresAt.IsZero() && !r.clock.Now().Before(r.expiresAt) {
			return nil, errs.ErrNoKey
		}
		return r.key, nil
	}

	exp := credentialExpiry(cred)
	if !exp.IsZero() && !r.clock.Now().Before(exp) {
		return nil, errs.ErrNoKey
	}
	key, err := DeriveKey(cred, r.params)
	if err != nil {
		return nil, err
	}
	r.fingerprint, r.key, r.expiresAt = fp, key, exp
	return key, nil
}

// Forget drops the cached key (logout).
func (r *KeyRing) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = nil
	r.fingerprint = [sha256.Size]byte{}
	r.expiresAt = time.Time{}
}

// credentialExpiry reads the exp claim of a JWT without verifying it.
// Opaque tokens have no expiry as far as the key ring is concerned.
func credentialExpiry(cred string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(cred, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
