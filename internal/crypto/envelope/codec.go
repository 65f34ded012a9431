// Package envelope seals draft snapshots into authenticated envelopes.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

// FormatTag identifies the envelope layout and is bound into the AAD.
const FormatTag = "dk-envelope-v1"

type payload struct {
	Fields     map[string]*string `json:"fields"`
	CapturedAt int64              `json:"capturedAt"`
}

// Seal encrypts the snapshot under k. Every call uses a fresh nonce.
func Seal(s model.DraftSnapshot, version int64, k *clientcrypto.Key) (model.Envelope, error) {
	if k == nil {
		return model.Envelope{}, errs.ErrNoKey
	}
	captured := s.CapturedAt.UTC().Truncate(time.Millisecond)
	fields := s.Fields
	if fields == nil {
		fields = map[string]*string{}
	}
	// encoding/json sorts map keys, which keeps the plaintext canonical
	pt, err := json.Marshal(payload{Fields: fields, CapturedAt: captured.UnixMilli()})
	if err != nil {
		return model.Envelope{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	nonce, ct, err := k.Seal(pt, AAD(version, captured))
	if err != nil {
		return model.Envelope{}, fmt.Errorf("seal: %w", err)
	}
	return model.Envelope{
		Ciphertext: ct,
		Nonce:      nonce,
		CapturedAt: captured,
		Version:    version,
	}, nil
}

// Open verifies and decrypts e. Any tag, nonce or payload mismatch is errs.ErrDecryptionFailed.
func Open(e model.Envelope, k *clientcrypto.Key) (model.DraftSnapshot, int64, error) {
	if k == nil {
		return model.DraftSnapshot{}, 0, errs.ErrNoKey
	}
	pt, err := k.Open(e.Nonce, e.Ciphertext, AAD(e.Version, e.CapturedAt))
	if err != nil {
		return model.DraftSnapshot{}, 0, err
	}
	var p payload
	if err := json.Unmarshal(pt, &p); err != nil {
		return model.DraftSnapshot{}, 0, fmt.Errorf("payload: %w", errs.ErrDecryptionFailed)
	}
	if p.CapturedAt != e.CapturedAt.UnixMilli() {
		return model.DraftSnapshot{}, 0, fmt.Errorf("captured_at mismatch: %w", errs.ErrDecryptionFailed)
	}
	return model.DraftSnapshot{
		Fields:     p.Fields,
		Version:    e.Version,
		CapturedAt: time.UnixMilli(p.CapturedAt).UTC(),
	}, e.Version, nil
}

// AAD binds the format tag, version and capture time (ms) into the tag.
func AAD(version int64, capturedAt time.Time) []byte {
	b := make([]byte, 0, len(FormatTag)+16)
	b = append(b, FormatTag...)
	b = binary.BigEndian.AppendUint64(b, uint64(version))
	b = binary.BigEndian.AppendUint64(b, uint64(capturedAt.UnixMilli()))
	return b
}
