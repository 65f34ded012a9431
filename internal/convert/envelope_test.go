package convert

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

func TestMarshalUnmarshalEnvelope(t *testing.T) {
	t.Parallel()
	in := model.Envelope{
		Ciphertext: []byte{1, 2, 3, 4, 5},
		Nonce:      bytes.Repeat([]byte{9}, 12),
		CapturedAt: time.UnixMilli(1_700_000_000_123).UTC(),
		Version:    0,
	}
	b, err := MarshalEnvelope(in)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"ciphertext":"AQIDBAU=","nonce":"CQkJCQkJCQkJCQkJ","capturedAt":1700000000123,"version":0}`,
		string(b))

	out, err := UnmarshalEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, in.Ciphertext, out.Ciphertext)
	require.Equal(t, in.Nonce, out.Nonce)
	require.True(t, in.CapturedAt.Equal(out.CapturedAt))
	require.Equal(t, int64(0), out.Version)
}

func TestUnmarshalEnvelope_Corrupt(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not json":          `{{{`,
		"missing nonce":     `{"ciphertext":"AQID","capturedAt":1,"version":1}`,
		"missing version":   `{"ciphertext":"AQID","nonce":"CQkJCQkJCQkJCQkJ","capturedAt":1}`,
		"missing captured":  `{"ciphertext":"AQID","nonce":"CQkJCQkJCQkJCQkJ","version":1}`,
		"bad base64":        `{"ciphertext":"!!!","nonce":"CQkJCQkJCQkJCQkJ","capturedAt":1,"version":1}`,
		"short nonce":       `{"ciphertext":"AQID","nonce":"CQkJ","capturedAt":1,"version":1}`,
		"negative version":  `{"ciphertext":"AQID","nonce":"CQkJCQkJCQkJCQkJ","capturedAt":1,"version":-1}`,
		"string capturedAt": `{"ciphertext":"AQID","nonce":"CQkJCQkJCQkJCQkJ","capturedAt":"x","version":1}`,
	}
	for name, raw := range cases {
		_, err := UnmarshalEnvelope([]byte(raw))
		if !errors.Is(err, errs.ErrCorruptEntry) {
			t.Fatalf("%s: want ErrCorruptEntry, got %v", name, err)
		}
	}
}
