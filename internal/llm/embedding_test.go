package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer emb-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "I like Go", req.Input)
		assert.Equal(t, "text-embedding-3-small", req.Model)

		w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`))
	}))
	defer server.Close()

	client := NewEmbeddingClient("emb-key", server.URL+"/", "text-embedding-3-small", time.Second)
	vector, err := client.Embed(context.Background(), "I like Go")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestEmbeddingClient_EmptyData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	client := NewEmbeddingClient("key", server.URL, "model", time.Second)
	vector, err := client.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, vector)
}

func TestEmbeddingClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "status", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, wantErr: "status 401"},
		{name: "api error", status: http.StatusOK, body: `{"error":{"message":"quota"}}`, wantErr: "quota"},
		{name: "invalid json", status: http.StatusOK, body: `{`, wantErr: "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewEmbeddingClient("key", server.URL, "model", time.Second)
			_, err := client.Embed(context.Background(), "text")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
