package contentstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/platform/config"
	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/providers"
)

func testDoc() *models.MetadataDocument {
	return &models.MetadataDocument{
		Name:    "maria.example.id",
		Kind:    models.KindPersonal,
		OwnerID: "user-1",
		OrderID: "ord_1",
	}
}

func newClient(url string, timeout time.Duration) *Client {
	return New(config.ContentStore{
		APIKey:     "key",
		APISecret:  "secret",
		BaseURL:    url + "/",
		GatewayURL: "https://gateway.example/ipfs/",
		Timeout:    timeout,
	})
}

func TestUpload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pinning/pinJSONToIPFS", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("pinata_api_key"))
		assert.Equal(t, "secret", r.Header.Get("pinata_secret_api_key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"IpfsHash":"bafycid","PinSize":321,"Timestamp":"2026-03-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	res, err := newClient(srv.URL, time.Second).Upload(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, "bafycid", res.ContentID)
	assert.Equal(t, "ipfs://bafycid", res.ContentURI)
	assert.Equal(t, "https://gateway.example/ipfs/bafycid", res.GatewayURL)

	content, ok := got["pinataContent"].(map[string]any)
	require.True(t, ok, "document must be wrapped in pinataContent")
	assert.Equal(t, "maria.example.id", content["name"])
	meta, ok := got["pinataMetadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "maria.example.id.json", meta["name"])
}

func TestUploadNon2xxCarriesServerText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"reason":"INVALID_CREDENTIALS","details":"API key is revoked"}}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, time.Second).Upload(context.Background(), testDoc())
	require.Error(t, err)

	var pe *providers.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, providers.KindContentStoreUnavailable, pe.Kind)
	assert.Equal(t, providers.ErrorAuthentication, pe.Category)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS API key is revoked", pe.Message)
	assert.False(t, pe.Retryable)
}

func TestUploadPlainStringError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, time.Second).Upload(context.Background(), testDoc())

	var pe *providers.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, providers.ErrorProviderOutage, pe.Category)
	assert.Equal(t, "upstream unavailable", pe.Message)
	assert.True(t, pe.Retryable)
}

func TestUploadTimeoutIsDistinct(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newClient(srv.URL, 50*time.Millisecond).Upload(context.Background(), testDoc())

	var pe *providers.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, providers.ErrorTimeout, pe.Category)
	assert.True(t, pe.Retryable)
}

func TestUploadMissingHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"PinSize":1}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, time.Second).Upload(context.Background(), testDoc())
	assert.Equal(t, providers.ErrorBadData, providers.GetCategory(err))
}

func TestUploadUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url, time.Second).Upload(context.Background(), testDoc())
	assert.Equal(t, providers.ErrorProviderOutage, providers.GetCategory(err))
}
