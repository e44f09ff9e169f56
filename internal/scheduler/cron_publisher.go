package scheduler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cedricziel/durableflow/internal/store"
)

// CronPublisher is the periodic-scan product the webhook-ingress
// Scheduler's publish callback hands signed payloads to in a deployment
// that has no external delay queue: a standard cron schedule sweeps
// store.ProcessEnqueued and POSTs each due execution to a WebhookScheduler's
// delivery endpoint, the same shape a hosted queue would deliver.
type CronPublisher struct {
	store      store.ExecutionStore
	deliverURL string
	keys       KeyPair
	client     *http.Client

	cron *cron.Cron
}

// NewCronPublisher wires a CronPublisher that scans for due executions on
// the given cron schedule (standard 5-field expression) and POSTs them to
// deliverURL, signed with the current signing key.
func NewCronPublisher(st store.ExecutionStore, deliverURL string, keys KeyPair, schedule string) (*CronPublisher, error) {
	p := &CronPublisher{
		store:      st,
		deliverURL: deliverURL,
		keys:       keys,
		client:     &http.Client{Timeout: 10 * time.Second},
		cron:       cron.New(),
	}
	if _, err := p.cron.AddFunc(schedule, p.scan); err != nil {
		return nil, err
	}
	return p, nil
}

// Start begins the cron schedule. Stop should be called on shutdown.
func (p *CronPublisher) Start() { p.cron.Start() }

// Stop halts the cron schedule, waiting for any in-flight scan to finish.
func (p *CronPublisher) Stop() { <-p.cron.Stop().Done() }

func (p *CronPublisher) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := p.store.ProcessEnqueued(ctx)
	if err != nil {
		log.Printf("cron publisher: scan error: %v", err)
		return
	}
	for _, id := range ids {
		p.publish(ctx, webhookPayload{ExecutionID: id, EnqueuedAtMs: time.Now().UnixMilli()})
	}
}

func (p *CronPublisher) publish(ctx context.Context, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("cron publisher: marshal payload for %s: %v", payload.ExecutionID, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.deliverURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("cron publisher: build request for %s: %v", payload.ExecutionID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+signHex(p.keys.Current, body))

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("cron publisher: deliver %s: %v", payload.ExecutionID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("cron publisher: delivery for %s rejected with status %d", payload.ExecutionID, resp.StatusCode)
	}
}

func signHex(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
