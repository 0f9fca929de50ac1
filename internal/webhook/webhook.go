// Package webhook is a minimal fire-and-forget dispatcher that POSTs
// lifecycle/outbox events as JSON to an instance's configured webhook
// URL, with one immediate retry and a short timeout. Delivery
// guarantees beyond that single retry belong to the receiving system.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
)

// Payload is the JSON body POSTed to an instance's webhook URL.
type Payload struct {
	InstanceID string         `json:"instance_id"`
	Event      string         `json:"event"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Dispatcher fires webhook notifications for instance events.
type Dispatcher struct {
	meta    metastore.Store
	client  *http.Client
	logs    *logging.Bus
	timeout time.Duration
	pool    *workerPool
}

// New builds a Dispatcher. timeout bounds each individual POST attempt;
// workers bounds how many deliveries run concurrently.
func New(meta metastore.Store, logs *logging.Bus, timeout time.Duration, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		meta:    meta,
		client:  &http.Client{Timeout: timeout},
		logs:    logs,
		timeout: timeout,
		pool:    newWorkerPool(workers),
	}
}

// Notify matches lifecycle.WebhookNotifier's signature: look up
// instanceID's configured URL and fire the event in the background.
// A missing or empty URL is a silent no-op, not an error.
func (d *Dispatcher) Notify(instanceID string, event string, data map[string]any) {
	d.pool.submit(func() { d.deliver(instanceID, event, data) })
}

// Drain blocks until every in-flight delivery has completed, called by
// cmd/gatewayd after the shutdown coordinator returns and before the
// metadata store closes.
func (d *Dispatcher) Drain() {
	d.pool.wait()
}

func (d *Dispatcher) deliver(instanceID, event string, data map[string]any) {
	log := d.logs.For(instanceID, logging.CategoryWebhook)

	rec, err := d.meta.Get(context.Background(), instanceID)
	if err != nil || rec.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(Payload{
		InstanceID: instanceID,
		Event:      event,
		Data:       data,
		At:         time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	if d.post(rec.WebhookURL, body) {
		return
	}
	log.Warn().Str("event", event).Msg("webhook delivery failed, retrying once")
	if !d.post(rec.WebhookURL, body) {
		log.Warn().Str("event", event).Msg("webhook delivery failed on retry, giving up")
	}
}

func (d *Dispatcher) post(url string, body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
