// Package dns manages the alias (CNAME) and descriptor (TXT) records of a
// provisioned name through the Cloudflare zone API.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"provisioner/internal/platform/config"
	"provisioner/internal/provisioning/providers"
)

const providerName = "cloudflare"

// Record types managed per name.
const (
	TypeAlias      = "CNAME"
	TypeDescriptor = "TXT"
)

// Record is a DNS record as stored by the provider.
type Record struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied *bool  `json:"proxied,omitempty"`
}

// RecordPair is the result of an upsert.
type RecordPair struct {
	Alias      Record
	Descriptor Record
}

// Client writes records with lookup-then-create-or-update, so at most one
// record of each type exists per name.
type Client struct {
	httpClient *http.Client
	baseURL    string
	zoneID     string
	token      string
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
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

// New builds a client scoped to the configured zone.
func New(cfg config.DNS, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		zoneID:     cfg.ZoneID,
		token:      cfg.APIToken,
		timeout:    cfg.Timeout,
		logger:     slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Descriptor encodes the token coordinates carried by the TXT record.
func Descriptor(contractAddress, tokenID, chain string) string {
	return fmt.Sprintf("contract=%s;token=%s;chain=%s", contractAddress, tokenID, chain)
}

// Upsert points name at aliasTarget and publishes the token descriptor.
func (c *Client) Upsert(ctx context.Context, name, aliasTarget, contractAddress, tokenID, chain string) (*RecordPair, error) {
	if name == "" || aliasTarget == "" {
		return nil, providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorBadData,
			providerName, "record name and alias target are required", nil)
	}
	alias, err := c.upsertRecord(ctx, Record{
		Type:    TypeAlias,
		Name:    name,
		Content: aliasTarget,
		TTL:     1,
		Proxied: boolPtr(true),
	})
	if err != nil {
		return nil, err
	}
	descriptor, err := c.upsertRecord(ctx, Record{
		Type:    TypeDescriptor,
		Name:    name,
		Content: Descriptor(contractAddress, tokenID, chain),
		TTL:     1,
	})
	if err != nil {
		return nil, err
	}
	return &RecordPair{Alias: *alias, Descriptor: *descriptor}, nil
}

func (c *Client) upsertRecord(ctx context.Context, want Record) (*Record, error) {
	existing, err := c.lookup(ctx, want.Type, want.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		updated, err := c.write(ctx, http.MethodPut, "/dns_records/"+url.PathEscape(existing.ID), want)
		if err != nil {
			return nil, err
		}
		c.logger.InfoContext(ctx, "dns record updated", "type", want.Type, "name", want.Name, "record_id", updated.ID)
		return updated, nil
	}
	created, err := c.write(ctx, http.MethodPost, "/dns_records", want)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "dns record created", "type", want.Type, "name", want.Name, "record_id", created.ID)
	return created, nil
}

type envelope[T any] struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
	Result  T          `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) lookup(ctx context.Context, recordType, name string) (*Record, error) {
	q := url.Values{}
	q.Set("type", recordType)
	q.Set("name", name)

	var out envelope[[]Record]
	if err := c.do(ctx, http.MethodGet, "/dns_records?"+q.Encode(), nil, "lookup "+recordType+" record", &out); err != nil {
		return nil, err
	}
	for i := range out.Result {
		if strings.EqualFold(out.Result[i].Name, name) && out.Result[i].Type == recordType {
			return &out.Result[i], nil
		}
	}
	return nil, nil
}

func (c *Client) write(ctx context.Context, method, path string, rec Record) (*Record, error) {
	action := "create"
	if method == http.MethodPut {
		action = "update"
	}
	var out envelope[Record]
	if err := c.do(ctx, method, path, rec, action+" "+rec.Type+" record", &out); err != nil {
		return nil, err
	}
	if out.Result.ID == "" {
		return nil, providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorBadData,
			providerName, action+" "+rec.Type+" record: response has no record id", nil)
	}
	return &out.Result, nil
}

// do issues one request with its own deadline and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body any, what string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorInternal,
				providerName, what+": encode request", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/zones/"+url.PathEscape(c.zoneID)+path, reader)
	if err != nil {
		return providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorInternal,
			providerName, what+": build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.CategoryForTransport(err),
			providerName, what, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.CategoryForTransport(err),
			providerName, what+": read response", err).WithStatus(resp.StatusCode)
	}

	var status envelope[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &status)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || (decodeErr == nil && !status.Success) {
		return providers.NewProviderError(providers.KindDNSConfigurationFailed, categoryFor(resp.StatusCode),
			providerName, what+": "+describe(status.Errors, resp.Status), nil).WithStatus(resp.StatusCode)
	}
	if decodeErr != nil {
		return providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorBadData,
			providerName, what+": decode response", decodeErr).WithStatus(resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorBadData,
			providerName, what+": decode result", err).WithStatus(resp.StatusCode)
	}
	return nil
}

// categoryFor treats a 2xx carrying success=false as rejected input.
func categoryFor(status int) providers.ErrorCategory {
	if status >= 200 && status <= 299 {
		return providers.ErrorBadData
	}
	return providers.CategoryForStatus(status)
}

func describe(errs []apiError, fallback string) string {
	if len(errs) == 0 {
		return fallback
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%d %s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}

func boolPtr(b bool) *bool { return &b }
