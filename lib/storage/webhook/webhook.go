// Package webhook fans lifecycle events out to the tenant's webhook
// endpoint. Delivery is best-effort: failures are logged, never surfaced to
// the request that produced the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/caskstorage/cask"
	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentWebhook))

// Envelope is the wire shape of a delivery.
type Envelope struct {
	Type   string     `json:"type"`
	Event  api.Event  `json:"event"`
	SentAt string     `json:"sentAt"`
	Tenant api.Tenant `json:"tenant"`
}

// envelopeType is the constant Type of every delivery.
const envelopeType = "Webhook"

// Config configures the dispatcher.
type Config struct {
	// URL is the endpoint events are posted to. Empty disables dispatch.
	URL string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
	// IdleConns sizes the keep-alive pool towards the endpoint.
	IdleConns int
	// Clock stamps sentAt, overridable in tests.
	Clock clockwork.Clock
	// Client overrides the HTTP client, for tests.
	Client *http.Client
	// Log is an optional logger.
	Log *slog.Logger
}

// CheckAndSetDefaults fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Timeout <= 0 {
		c.Timeout = defaults.WebhookTimeout
	}
	if c.IdleConns <= 0 {
		c.IdleConns = defaults.WebhookIdleConns
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        c.IdleConns,
				MaxIdleConnsPerHost: c.IdleConns,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if c.Log == nil {
		c.Log = log
	}
	return nil
}

// Dispatcher posts event envelopes to the configured endpoint over a
// keep-alive connection pool.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg}, nil
}

// Enabled reports whether a webhook endpoint is configured.
func (d *Dispatcher) Enabled() bool { return d.cfg.URL != "" }

// Send delivers one event. The returned error is for logging only; callers
// on the request path use Dispatch instead.
func (d *Dispatcher) Send(ctx context.Context, tenant api.Tenant, event api.Event) error {
	if !d.Enabled() {
		return nil
	}
	body, err := json.Marshal(Envelope{
		Type:   envelopeType,
		Event:  event,
		SentAt: d.cfg.Clock.Now().UTC().Format(time.RFC3339Nano),
		Tenant: tenant,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		// Drain so the connection returns to the keep-alive pool.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return trace.BadParameter("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatch delivers events concurrently and waits for every attempt to
// settle. Failures are logged and swallowed; the user request that emitted
// the events never fails on webhook delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant api.Tenant, events ...api.Event) {
	if !d.Enabled() || len(events) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, event := range events {
		wg.Add(1)
		go func(event api.Event) {
			defer wg.Done()
			if err := d.Send(ctx, tenant, event); err != nil {
				d.cfg.Log.ErrorContext(ctx, "webhook delivery failed",
					"event_type", string(event.Type),
					"bucket", event.Payload.BucketID,
					"name", event.Payload.Name,
					"version", event.Payload.Version,
					"error", err,
				)
			}
		}(event)
	}
	wg.Wait()
}
