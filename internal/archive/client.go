// Package archive contains the HTTP client for the remote archive
// service. The archive accepts a content hash, a metadata record,
// the original byte stream and zero or more derivative streams, and
// supports resumable chunked upload with byte-offset acknowledgment.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hbomb79/Arca/internal/media"
)

const (
	settingsTemplate   = "%s/api/v1/json/settings/"
	createTemplate     = "%s/api/v1/json/uploads/"
	chunkTemplate      = "%s/api/v1/json/uploads/%s/parts/%s/?offset=%d"
	offsetTemplate     = "%s/api/v1/json/uploads/%s/parts/%s/offset/"
	finalizeTemplate   = "%s/api/v1/json/uploads/%s/complete/"
	authHeaderTemplate = "Bearer %s"
)

type (
	Config struct {
		BaseURL        string `yaml:"base_url" env:"ARCHIVE_BASE_URL" env-required:"true"`
		AccessToken    string `yaml:"access_token" env:"ARCHIVE_ACCESS_TOKEN" env-required:"true"`
		TimeoutSeconds int    `yaml:"timeout_seconds" env:"ARCHIVE_TIMEOUT_SECONDS" env-default:"30"`
	}

	// Settings are the server-declared limits fetched once at
	// startup; clients honour these rather than discovering failures
	// at upload time.
	Settings struct {
		MaxChunkSize int64               `json:"max_chunk_size"`
		Filetypes    map[string][]string `json:"filetypes"`
	}

	// UploadSession is the archives handle for one jobs transfer.
	// Duplicate indicates the content hash is already archived, in
	// which case no bytes need to be sent at all.
	UploadSession struct {
		UUID      string `json:"upload_uuid"`
		Duplicate bool   `json:"duplicate"`
		ChunkSize int64  `json:"chunk_size"`
	}

	client struct {
		config     Config
		httpClient *http.Client
	}
)

func NewClient(config Config) *client {
	return &client{
		config: config,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
	}
}

// Settings fetches the archives declared limits.
func (client *client) Settings(ctx context.Context) (*Settings, error) {
	var settings Settings
	url := fmt.Sprintf(settingsTemplate, client.config.BaseURL)
	if err := client.doJSON(ctx, http.MethodGet, url, nil, &settings); err != nil {
		return nil, err
	}

	return &settings, nil
}

// CreateUpload registers a new upload session for the content hash
// provided. The archive signals already-archived content distinctly
// (Duplicate=true) from new-content accepted.
func (client *client) CreateUpload(ctx context.Context, contentHash string, kind string, size int64, record media.Record) (*UploadSession, error) {
	body, err := json.Marshal(map[string]any{
		"content_hash": contentHash,
		"kind":         kind,
		"size_bytes":   size,
		"metadata":     record,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload request: %w", err)
	}

	var session UploadSession
	url := fmt.Sprintf(createTemplate, client.config.BaseURL)
	if err := client.doJSON(ctx, http.MethodPost, url, bytes.NewReader(body), &session); err != nil {
		return nil, err
	}

	return &session, nil
}

// PartOffset asks the archive how many bytes of the named part it
// has acknowledged. Resume points always come from this value, never
// from local assumption.
func (client *client) PartOffset(ctx context.Context, sessionID string, part string) (int64, error) {
	var response struct {
		AckedOffset int64 `json:"acked_offset"`
	}

	url := fmt.Sprintf(offsetTemplate, client.config.BaseURL, sessionID, part)
	if err := client.doJSON(ctx, http.MethodGet, url, nil, &response); err != nil {
		return 0, err
	}

	return response.AckedOffset, nil
}

// SendChunk transfers one chunk of the named part starting at the
// offset given, returning the archives new acknowledged offset.
func (client *client) SendChunk(ctx context.Context, sessionID string, part string, offset int64, chunk []byte) (int64, error) {
	var response struct {
		AckedOffset int64 `json:"acked_offset"`
	}

	url := fmt.Sprintf(chunkTemplate, client.config.BaseURL, sessionID, part, offset)
	if err := client.doRaw(ctx, http.MethodPost, url, chunk, &response); err != nil {
		return 0, err
	}

	return response.AckedOffset, nil
}

// Finalize completes the session once every part has been fully
// acknowledged. The archive validates checksums at this point; a
// mismatch surfaces as a ValidationError.
func (client *client) Finalize(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf(finalizeTemplate, client.config.BaseURL, sessionID)
	return client.doJSON(ctx, http.MethodPost, url, nil, &struct{}{})
}

// doJSON performs a JSON request against the archive, unwrapping the
// 'arca_response' envelope in to the target provided.
func (client *client) doJSON(ctx context.Context, method string, url string, body io.Reader, target any) error {
	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &TransportError{Err: err}
	}

	request.Header.Set("Content-Type", "application/json")
	return client.do(request, target)
}

func (client *client) doRaw(ctx context.Context, method string, url string, body []byte, target any) error {
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}

	request.Header.Set("Content-Type", "application/octet-stream")
	return client.do(request, target)
}

func (client *client) do(request *http.Request, target any) error {
	request.Header.Set("Authorization", fmt.Sprintf(authHeaderTemplate, client.config.AccessToken))

	response, err := client.httpClient.Do(request)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if response.StatusCode >= 500 {
		return &ServerError{StatusCode: response.StatusCode, Message: errorMessage(responseBody)}
	}

	if response.StatusCode >= 400 {
		return &ValidationError{StatusCode: response.StatusCode, Message: errorMessage(responseBody)}
	}

	var envelope struct {
		Response json.RawMessage `json:"arca_response"`
	}
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return &TransportError{Err: fmt.Errorf("response envelope could not be unmarshalled: %w", err)}
	}

	if len(envelope.Response) == 0 {
		return nil
	}

	if err := json.Unmarshal(envelope.Response, target); err != nil {
		return &TransportError{Err: fmt.Errorf("response payload could not be unmarshalled: %w", err)}
	}

	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}

	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}

	return string(body)
}
