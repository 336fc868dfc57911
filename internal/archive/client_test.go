package archive_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hbomb79/Arca/internal/archive"
	"github.com/hbomb79/Arca/internal/media"
	"github.com/stretchr/testify/assert"
)

func newTestClient(handler http.Handler) (*httptest.Server, archive.Config) {
	server := httptest.NewServer(handler)
	return server, archive.Config{
		BaseURL:        server.URL,
		AccessToken:    "test-token",
		TimeoutSeconds: 5,
	}
}

func Test_CreateUpload_SendsBearerTokenAndBody(t *testing.T) {
	var seenAuth string
	var seenBody map[string]any

	server, config := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &seenBody)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"arca_response": map[string]any{
				"upload_uuid": "abc-123",
				"duplicate":   false,
				"chunk_size":  1024,
			},
		})
	}))
	defer server.Close()

	client := archive.NewClient(config)
	session, err := client.CreateUpload(context.Background(), "deadbeef", "image", 42, media.MinimalRecord(media.Image, 42))

	assert.NoError(t, err)
	assert.Equal(t, "Bearer test-token", seenAuth)
	assert.Equal(t, "deadbeef", seenBody["content_hash"])
	assert.Equal(t, "image", seenBody["kind"])
	assert.Equal(t, "abc-123", session.UUID)
	assert.False(t, session.Duplicate)
	assert.EqualValues(t, 1024, session.ChunkSize)
}

func Test_CreateUpload_DuplicateContentIsSignalled(t *testing.T) {
	server, config := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arca_response": map[string]any{"upload_uuid": "abc-123", "duplicate": true, "chunk_size": 1024},
		})
	}))
	defer server.Close()

	session, err := archive.NewClient(config).CreateUpload(context.Background(), "deadbeef", "image", 42, nil)
	assert.NoError(t, err)
	assert.True(t, session.Duplicate)
}

func Test_SendChunk_ReturnsAckedOffset(t *testing.T) {
	var seenOffset string
	var seenChunk []byte

	server, config := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOffset = r.URL.Query().Get("offset")
		seenChunk, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arca_response": map[string]any{"acked_offset": 2048},
		})
	}))
	defer server.Close()

	acked, err := archive.NewClient(config).SendChunk(context.Background(), "abc-123", "original", 1024, []byte("chunk-bytes"))

	assert.NoError(t, err)
	assert.Equal(t, "1024", seenOffset)
	assert.Equal(t, []byte("chunk-bytes"), seenChunk)
	assert.EqualValues(t, 2048, acked)
}

func Test_ErrorClassification_FollowsStatusCode(t *testing.T) {
	tests := []struct {
		Summary    string
		StatusCode int
		IsFatal    bool
	}{
		{"bad request is fatal", http.StatusBadRequest, true},
		{"unauthorized is fatal", http.StatusUnauthorized, true},
		{"checksum rejection is fatal", http.StatusUnprocessableEntity, true},
		{"server failure is transient", http.StatusInternalServerError, false},
		{"gateway timeout is transient", http.StatusGatewayTimeout, false},
	}

	for _, test := range tests {
		t.Run(test.Summary, func(t *testing.T) {
			server, config := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.StatusCode)
				_ = json.NewEncoder(w).Encode(map[string]any{"message": "nope"})
			}))
			defer server.Close()

			err := archive.NewClient(config).Finalize(context.Background(), "abc-123")
			assert.Error(t, err)
			assert.Equal(t, !test.IsFatal, archive.IsTransient(err))
		})
	}
}

func Test_IsTransient_ExcludesCancellation(t *testing.T) {
	server, config := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := archive.NewClient(config).PartOffset(ctx, "abc-123", "original")
	assert.Error(t, err)
	assert.False(t, archive.IsTransient(err))
}

func Test_Settings_ParsesServerLimits(t *testing.T) {
	server, config := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arca_response": map[string]any{
				"max_chunk_size": 1 << 20,
				"filetypes":      map[string][]string{"image": {"jpg", "png"}},
			},
		})
	}))
	defer server.Close()

	settings, err := archive.NewClient(config).Settings(context.Background())
	assert.NoError(t, err)
	assert.EqualValues(t, 1<<20, settings.MaxChunkSize)
	assert.Equal(t, []string{"jpg", "png"}, settings.Filetypes["image"])
}
