package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/defaults"
)

// Upstream is the slice of the Iceberg REST catalog protocol the tenant
// catalog proxies to. Every call addresses one warehouse shard; namespace
// names are already warehouse-internal.
type Upstream interface {
	CreateNamespace(ctx context.Context, shardID, namespace string) error
	DropNamespace(ctx context.Context, shardID, namespace string) error
	CreateTable(ctx context.Context, shardID, namespace, table string, spec json.RawMessage) (json.RawMessage, error)
	DropTable(ctx context.Context, shardID, namespace, table string) error
	ListTables(ctx context.Context, shardID, namespace string) ([]string, error)
	LoadTable(ctx context.Context, shardID, namespace, table string) (json.RawMessage, error)
}

// Error is the Iceberg REST error model.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Type, e.Message, e.Code)
}

// IsAlreadyExists reports whether err is an upstream 409.
func IsAlreadyExists(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Code == http.StatusConflict
}

// RestClientConfig configures the upstream REST catalog client.
type RestClientConfig struct {
	// Endpoints maps shard ids to catalog base URLs, e.g.
	// "https://warehouse-a.internal/catalog".
	Endpoints map[string]string
	// Token is sent as a bearer credential when set.
	Token string
	// HTTPClient is overridable in tests.
	HTTPClient *http.Client
}

// CheckAndSetDefaults validates the config.
func (c *RestClientConfig) CheckAndSetDefaults() error {
	if len(c.Endpoints) == 0 {
		return trace.BadParameter("missing Endpoints")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.UpstreamCatalogTimeout}
	}
	return nil
}

// RestClient speaks the Iceberg REST catalog protocol to the warehouse
// shards.
type RestClient struct {
	cfg RestClientConfig
}

// NewRestClient builds a RestClient.
func NewRestClient(cfg RestClientConfig) (*RestClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RestClient{cfg: cfg}, nil
}

func (c *RestClient) endpoint(shardID string) (string, error) {
	base, ok := c.cfg.Endpoints[shardID]
	if !ok {
		return "", trace.NotFound("no endpoint configured for shard %q", shardID)
	}
	return base, nil
}

// CreateNamespace issues POST /v1/namespaces.
func (c *RestClient) CreateNamespace(ctx context.Context, shardID, namespace string) error {
	body := map[string]any{"namespace": []string{namespace}}
	_, err := c.do(ctx, shardID, http.MethodPost, "/v1/namespaces", body)
	return trace.Wrap(err)
}

// DropNamespace issues DELETE /v1/namespaces/{ns}.
func (c *RestClient) DropNamespace(ctx context.Context, shardID, namespace string) error {
	_, err := c.do(ctx, shardID, http.MethodDelete, "/v1/namespaces/"+url.PathEscape(namespace), nil)
	return trace.Wrap(err)
}

// CreateTable issues POST /v1/namespaces/{ns}/tables and returns the
// upstream table document.
func (c *RestClient) CreateTable(ctx context.Context, shardID, namespace, table string, spec json.RawMessage) (json.RawMessage, error) {
	payload := map[string]any{"name": table}
	if len(spec) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(spec, &fields); err != nil {
			return nil, trace.BadParameter("invalid table spec: %v", err)
		}
		for k, v := range fields {
			if k != "name" {
				payload[k] = v
			}
		}
	}
	out, err := c.do(ctx, shardID, http.MethodPost, "/v1/namespaces/"+url.PathEscape(namespace)+"/tables", payload)
	return out, trace.Wrap(err)
}

// DropTable issues DELETE /v1/namespaces/{ns}/tables/{t}.
func (c *RestClient) DropTable(ctx context.Context, shardID, namespace, table string) error {
	_, err := c.do(ctx, shardID, http.MethodDelete,
		"/v1/namespaces/"+url.PathEscape(namespace)+"/tables/"+url.PathEscape(table), nil)
	return trace.Wrap(err)
}

// ListTables issues GET /v1/namespaces/{ns}/tables.
func (c *RestClient) ListTables(ctx context.Context, shardID, namespace string) ([]string, error) {
	out, err := c.do(ctx, shardID, http.MethodGet, "/v1/namespaces/"+url.PathEscape(namespace)+"/tables", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var parsed struct {
		Identifiers []struct {
			Name string `json:"name"`
		} `json:"identifiers"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, trace.Wrap(err, "malformed list-tables response")
	}
	names := make([]string, 0, len(parsed.Identifiers))
	for _, id := range parsed.Identifiers {
		names = append(names, id.Name)
	}
	return names, nil
}

// LoadTable issues GET /v1/namespaces/{ns}/tables/{t} and returns the raw
// table document.
func (c *RestClient) LoadTable(ctx context.Context, shardID, namespace, table string) (json.RawMessage, error) {
	out, err := c.do(ctx, shardID, http.MethodGet,
		"/v1/namespaces/"+url.PathEscape(namespace)+"/tables/"+url.PathEscape(table), nil)
	return out, trace.Wrap(err)
}

func (c *RestClient) do(ctx context.Context, shardID, method, path string, body any) (json.RawMessage, error) {
	base, err := c.endpoint(shardID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "upstream catalog shard %q unreachable", shardID)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, defaults.UpstreamCatalogMaxResponse))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, parseUpstreamError(resp.StatusCode, payload)
	}
	return payload, nil
}

// parseUpstreamError decodes the Iceberg error envelope, falling back to a
// synthesized one when the body is not the expected shape.
func parseUpstreamError(status int, payload []byte) error {
	var envelope struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Error.Code == 0 {
			envelope.Error.Code = status
		}
		return &envelope.Error
	}
	return &Error{
		Message: string(payload),
		Type:    http.StatusText(status),
		Code:    status,
	}
}
