package vertexai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/embedsync/resilience"
	"golang.org/x/oauth2"
)

func TestClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var resp predictResponse
		for i := range req.Instances {
			resp.Predictions = append(resp.Predictions, predictEmbedding{Embeddings: predictEmbeddingValues{Values: []float32{float32(i)}}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := NewClient(ctx, "project", "", WithEndpoint(server.URL), WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "token"})))
	require.NoError(t, err)
	assert.Equal(t, defaultModel, client.Model)
	vectors, _, err := client.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}}, vectors)

	denied, err := NewClient(ctx, "project", "m", WithEndpoint(server.URL), WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "other"})))
	require.NoError(t, err)
	_, _, err = denied.Embed(ctx, []string{"a"})
	assert.Equal(t, resilience.Authentication, resilience.Classify(err))

	_, err = NewClient(ctx, "", "m")
	assert.Equal(t, resilience.Configuration, resilience.Classify(err))
}

func TestClient_DefaultEndpoint(t *testing.T) {
	client := &Client{ProjectID: "p", Location: "us-central1", Model: "text-embedding-004"}
	assert.Equal(t, "https://us-central1-aiplatform.googleapis.com/v1/projects/p/locations/us-central1/publishers/google/models/text-embedding-004:predict", client.endpoint())
}
