package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("info", FormatJSON, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("draft synced", zap.String("document_id", "d1"))
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "draft synced", line["msg"])
	require.Equal(t, "d1", line["document_id"])
	require.Equal(t, "dk", line["logger"])
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("DEBUG", FormatConsole, &buf)
	require.NoError(t, err)
	log.Debug("visible")
	require.Contains(t, buf.String(), "visible")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("loud", FormatJSON)
	require.Error(t, err)
	_, err = New("info", "xml")
	require.Error(t, err)
}
