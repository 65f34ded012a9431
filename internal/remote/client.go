// Package remote implements the server's "save draft" endpoint over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

// IdempotencyHeader carries the per-push idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code to failure classification.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// Is maps well-known statuses to sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case errs.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case errs.ErrVersionConflict:
		return e.StatusCode == http.StatusConflict
	case errs.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// HTTPClient saves drafts with PUT {base}/v1/documents/{id}/draft.
// It never retries; retry policy belongs to the scheduler.
type HTTPClient struct {
	baseURL    string
	creds      clientcrypto.CredentialSource
	httpClient *http.Client
}

// NewHTTPClient constructs a client. A nil http.Client gets a 30s-timeout default.
func NewHTTPClient(baseURL string, creds clientcrypto.CredentialSource, hc *http.Client) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: base url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, creds: creds, httpClient: hc}, nil
}

type saveDraftBody struct {
	Fields  map[string]*string `json:"fields"`
	Version int64              `json:"version"`
}

// SaveDraft implements syncer.RemoteSaver.
func (c *HTTPClient) SaveDraft(ctx context.Context, req model.PushRequest) error {
	fields := req.Fields
	if fields == nil {
		fields = map[string]*string{}
	}
	path := "/v1/documents/" + url.PathEscape(req.DocumentID) + "/draft"
	headers := map[string]string{IdempotencyHeader: req.IdempotencyKey}
	return c.doJSON(ctx, http.MethodPut, path, headers, saveDraftBody{Fields: fields, Version: req.Version})
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	if c.creds != nil {
		if tok := strings.TrimSpace(c.creds.Credential()); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if readErr != nil {
		return readErr
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
