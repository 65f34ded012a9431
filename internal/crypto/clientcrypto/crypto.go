// Package clientcrypto derives draft encryption keys from the session credential.
package clientcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/and161185/draft-keeper/internal/errs"
)

// Params
const (
	KeyLen   = 32
	NonceLen = 12

	KDFPBKDF2   = "pbkdf2-sha256"
	KDFArgon2id = "argon2id"

	CipherAESGCM   = "aes-256-gcm"
	CipherChaCha20 = "chacha20-poly1305"

	DefaultIterations  = 100_000
	DefaultArgonPasses = 3
	MaxArgonPasses     = 10

	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// AppSalt is the fixed application-wide salt. Changing it invalidates every stored draft.
var AppSalt = []byte("draft-keeper/v1/draft-backup-salt")

// Params selects the derivation function and the AEAD bound to the derived key.
type Params struct {
	KDF         string
	Iterations  int // PBKDF2 only
	ArgonPasses int // Argon2id only; 0 means DefaultArgonPasses
	Cipher      string
	Salt        []byte // nil means AppSalt
}

// DefaultParams returns PBKDF2-SHA256 with 100k iterations and AES-256-GCM.
// Switching KDF to Argon2id uses 3 passes over 64 MiB.
func DefaultParams() Params {
	return Params{KDF: KDFPBKDF2, Iterations: DefaultIterations, ArgonPasses: DefaultArgonPasses, Cipher: CipherAESGCM}
}

// Key is a derived symmetric key usable only for authenticated encryption.
// The raw key bytes never leave this package.
type Key struct {
	aead cipher.AEAD
}

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey turns a bearer credential into a 256-bit AEAD key.
// An empty credential yields errs.ErrNoKey.
func DeriveKey(credential string, p Params) (*Key, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errs.ErrNoKey
	}
	salt := p.Salt
	if len(salt) == 0 {
		salt = AppSalt
	}

	// fixed-length key-material input regardless of token size
	material := sha256.Sum256([]byte(credential))
	defer wipe(material[:])

	var raw []byte
	switch p.KDF {
	case "", KDFPBKDF2:
		if p.Iterations <= 0 {
			return nil, errors.New("clientcrypto: iterations must be positive")
		}
		raw = pbkdf2.Key(material[:], salt, p.Iterations, KeyLen, sha256.New)
	case KDFArgon2id:
		passes := p.ArgonPasses
		if passes == 0 {
			passes = DefaultArgonPasses
		}
		if passes < 0 || passes > MaxArgonPasses {
			return nil, fmt.Errorf("clientcrypto: argon2id passes %d out of range 1..%d", passes, MaxArgonPasses)
		}
		raw = argon2.IDKey(material[:], salt, uint32(passes), argonMemory, argonThreads, KeyLen)
	default:
		return nil, fmt.Errorf("clientcrypto: unknown kdf %q", p.KDF)
	}
	defer wipe(raw)

	aead, err := newAEAD(p.Cipher, raw)
	if err != nil {
		return nil, err
	}
	return &Key{aead: aead}, nil
}

func newAEAD(name string, raw []byte) (cipher.AEAD, error) {
	switch name {
	case "", CipherAESGCM:
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20:
		return chacha20poly1305.New(raw)
	default:
		return nil, fmt.Errorf("clientcrypto: unknown cipher %q", name)
	}
}

// Seal encrypts plaintext under a fresh random nonce and returns both.
func (k *Key) Seal(plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	nonce, err = Rand(k.aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return nonce, k.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open verifies and decrypts. Any failure is reported as errs.ErrDecryptionFailed.
func (k *Key) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != k.aead.NonceSize() {
		return nil, fmt.Errorf("nonce size %d: %w", len(nonce), errs.ErrDecryptionFailed)
	}
	pt, err := k.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	return pt, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
