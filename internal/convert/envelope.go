// Package convert maps domain envelopes to and from their stored JSON record.
package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EnvelopeRecord is the stored form of a model.Envelope.
// Pointer fields let validation tell a missing field from a zero value.
type EnvelopeRecord struct {
	Ciphertext *string `json:"ciphertext" validate:"required,base64"`
	Nonce      *string `json:"nonce" validate:"required,base64"`
	CapturedAt *int64  `json:"capturedAt" validate:"required,gt=0"`
	Version    *int64  `json:"version" validate:"required,gte=0"`
}

// ToRecord converts a domain envelope to its record.
func ToRecord(e model.Envelope) EnvelopeRecord {
	ct := base64.StdEncoding.EncodeToString(e.Ciphertext)
	nonce := base64.StdEncoding.EncodeToString(e.Nonce)
	ms := e.CapturedAt.UnixMilli()
	ver := e.Version
	return EnvelopeRecord{Ciphertext: &ct, Nonce: &nonce, CapturedAt: &ms, Version: &ver}
}

// FromRecord validates a record and converts it to a domain envelope.
// Structural problems are reported as errs.ErrCorruptEntry.
func FromRecord(r EnvelopeRecord) (model.Envelope, error) {
	if err := validate.Struct(r); err != nil {
		return model.Envelope{}, fmt.Errorf("%w: %v", errs.ErrCorruptEntry, err)
	}
	ct, err := base64.StdEncoding.DecodeString(*r.Ciphertext)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("%w: ciphertext: %v", errs.ErrCorruptEntry, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(*r.Nonce)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("%w: nonce: %v", errs.ErrCorruptEntry, err)
	}
	if len(nonce) != clientcrypto.NonceLen {
		return model.Envelope{}, fmt.Errorf("%w: nonce is %d bytes", errs.ErrCorruptEntry, len(nonce))
	}
	return model.Envelope{
		Ciphertext: ct,
		Nonce:      nonce,
		CapturedAt: time.UnixMilli(*r.CapturedAt).UTC(),
		Version:    *r.Version,
	}, nil
}

// MarshalEnvelope encodes an envelope as its JSON record.
func MarshalEnvelope(e model.Envelope) ([]byte, error) {
	return json.Marshal(ToRecord(e))
}

// UnmarshalEnvelope decodes and validates a JSON record.
func UnmarshalEnvelope(b []byte) (model.Envelope, error) {
	var r EnvelopeRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return model.Envelope{}, fmt.Errorf("%w: %v", errs.ErrCorruptEntry, err)
	}
	return FromRecord(r)
}
