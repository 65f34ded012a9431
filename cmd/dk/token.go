package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenEnv overrides the token file.
const TokenEnv = "DK_TOKEN"

var errNoToken = errors.New("no valid token (login required)")

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

func saveToken(path, tok string, exp time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken(path string, now time.Time) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errNoToken
		}
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", fmt.Errorf("token file %s: %w", path, err)
	}
	if tf.AccessToken == "" || (!tf.ExpiresAt.IsZero() && !now.Before(tf.ExpiresAt)) {
		return "", errNoToken
	}
	return tf.AccessToken, nil
}

func removeToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// tokenExpiry reads exp from a JWT; opaque tokens never expire locally.
func tokenExpiry(tok string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// tokenSource supplies the credential to the key ring and the remote client.
// The file is re-read on every call so a login from another shell is picked up.
type tokenSource struct {
	path   string
	lookup func(string) (string, bool)
	now    func() time.Time
}

func newTokenSource(path string) *tokenSource {
	return &tokenSource{path: path, lookup: os.LookupEnv, now: time.Now}
}

func (s *tokenSource) Credential() string {
	if v, ok := s.lookup(TokenEnv); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	tok, err := loadToken(s.path, s.now())
	if err != nil {
		return ""
	}
	return tok
}
