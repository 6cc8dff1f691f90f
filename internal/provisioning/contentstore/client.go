// Package contentstore pins metadata documents to IPFS through the Pinata
// pinning API.
package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"provisioner/internal/platform/config"
	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/providers"
)

const providerName = "pinata"

// UploadResult locates a pinned document.
type UploadResult struct {
	ContentID  string
	ContentURI string
	GatewayURL string
}

// Client uploads metadata documents. It never retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	gatewayURL string
	apiKey     string
	apiSecret  string
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client from the content store configuration.
func New(cfg config.ContentStore, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		timeout:    cfg.Timeout,
		logger:     slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pinRequest struct {
	Content  *models.MetadataDocument `json:"pinataContent"`
	Metadata pinMetadata              `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinError struct {
	Error json.RawMessage `json:"error"`
}

// Upload pins doc and returns its content identifier and retrieval URLs.
func (c *Client) Upload(ctx context.Context, doc *models.MetadataDocument) (*UploadResult, error) {
	if doc == nil {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorBadData,
			providerName, "metadata document is required", nil)
	}
	body, err := json.Marshal(pinRequest{
		Content: doc,
		Metadata: pinMetadata{
			Name:      doc.Name + ".json",
			KeyValues: map[string]string{"order_id": doc.OrderID},
		},
	})
	if err != nil {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorBadData,
			providerName, "encode metadata document", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorInternal,
			providerName, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("pinata_api_key", c.apiKey)
	req.Header.Set("pinata_secret_api_key", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.CategoryForTransport(err),
			providerName, "pin request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.CategoryForTransport(err),
			providerName, "read pin response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.CategoryForStatus(resp.StatusCode),
			providerName, errorText(raw, resp.Status), nil).WithStatus(resp.StatusCode)
	}

	var out pinResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorBadData,
			providerName, "decode pin response", err).WithStatus(resp.StatusCode)
	}
	if out.IpfsHash == "" {
		return nil, providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorBadData,
			providerName, "pin response has no content identifier", nil).WithStatus(resp.StatusCode)
	}

	c.logger.InfoContext(ctx, "metadata pinned",
		"cid", out.IpfsHash,
		"size", out.PinSize,
		"domain", doc.Name,
	)
	return &UploadResult{
		ContentID:  out.IpfsHash,
		ContentURI: "ipfs://" + out.IpfsHash,
		GatewayURL: c.gatewayURL + "/" + out.IpfsHash,
	}, nil
}

// errorText extracts the provider's error message, which is either a string or
// an object with a reason/details pair.
func errorText(raw []byte, status string) string {
	var pe pinError
	if err := json.Unmarshal(raw, &pe); err == nil && len(pe.Error) > 0 {
		var s string
		if json.Unmarshal(pe.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Reason  string `json:"reason"`
			Details string `json:"details"`
		}
		if json.Unmarshal(pe.Error, &obj) == nil && (obj.Reason != "" || obj.Details != "") {
			return strings.TrimSpace(fmt.Sprintf("%s %s", obj.Reason, obj.Details))
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
		return text
	}
	return status
}
