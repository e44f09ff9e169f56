package scheduler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/backoff"
	"github.com/cedricziel/durableflow/internal/executor"
)

var (
	errMissingSignature  = errors.New("missing X-Signature header")
	errSignatureMismatch = errors.New("signature mismatch")
)

// MessageMaxAge bounds how stale a webhook-delivered re-entry message may be
// before it is silently dropped (acked, not retried) to avoid endless
// re-delivery loops from an upstream queue.
const MessageMaxAge = 24 * time.Hour

// KeyPair is a current + next HMAC signing key, supporting rotation: a
// message signed with either key verifies, so the next key can be
// provisioned before the current one is retired.
type KeyPair struct {
	Current string
	Next    string
}

// webhookPayload is the body of a scheduler re-entry delivery: the
// execution to redeliver, plus the epoch millisecond it was enqueued at for
// the staleness check.
type webhookPayload struct {
	ExecutionID  uuid.UUID `json:"executionId"`
	EnqueuedAtMs int64     `json:"enqueuedAtMs"`
}

// WebhookScheduler is the webhook-ingress Scheduler implementation: arming
// a re-entry hands a JSON payload to the publish callback, and the delivery
// that comes back is received by handleDeliver (mounted by Routes).
type WebhookScheduler struct {
	keys    KeyPair
	deliver Deliverer
	policy  backoff.Policy
	publish func(payload []byte) error
}

// NewWebhookScheduler wires a WebhookScheduler. publish is the call that
// hands the payload (unsigned JSON) to whatever persistent periodic scan or
// delay-queue product is responsible for the actual future HTTP delivery
// (e.g. an Upstash-style QStash publish); handleDeliver is what receives
// that delivery. With a nil publish, ScheduleAfter and ScheduleAt do nothing.
func NewWebhookScheduler(keys KeyPair, deliver Deliverer, policy backoff.Policy, publish func(payload []byte) error) *WebhookScheduler {
	return &WebhookScheduler{keys: keys, deliver: deliver, policy: policy, publish: publish}
}

func (w *WebhookScheduler) schedule(executionID uuid.UUID, at time.Time) {
	body, err := json.Marshal(webhookPayload{ExecutionID: executionID, EnqueuedAtMs: at.UnixMilli()})
	if err != nil {
		log.Printf("scheduler: marshal webhook payload for %s: %v", executionID, err)
		return
	}
	if w.publish == nil {
		return
	}
	if err := w.publish(body); err != nil {
		log.Printf("scheduler: publish webhook payload for %s: %v", executionID, err)
	}
}

func (w *WebhookScheduler) ScheduleAfter(_ context.Context, executionID uuid.UUID, delay time.Duration) {
	w.schedule(executionID, time.Now().Add(delay))
}

func (w *WebhookScheduler) ScheduleAt(_ context.Context, executionID uuid.UUID, at time.Time) {
	w.schedule(executionID, at)
}

// Routes mounts the webhook ingress endpoint under a chi router.
func (w *WebhookScheduler) Routes(r chi.Router) {
	r.Post("/scheduler/deliver", w.handleDeliver)
}

// handleDeliver verifies the signature, drops stale messages (success, to
// stop redelivery), invokes the executor, and maps the outcome back onto
// itself to arm any further re-entry.
func (w *WebhookScheduler) handleDeliver(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "cannot read body", http.StatusBadRequest)
		return
	}

	if err := verifySignature(r.Header.Get("X-Signature"), body, w.keys); err != nil {
		http.Error(rw, "signature verification failed", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "malformed payload", http.StatusBadRequest)
		return
	}

	if time.Since(time.UnixMilli(payload.EnqueuedAtMs)) > MessageMaxAge {
		// Stale: ack with success so the publisher stops retrying.
		writeAck(rw, true)
		return
	}

	res, err := w.deliver.Deliver(r.Context(), payload.ExecutionID)
	if err != nil {
		writeAck(rw, false)
		return
	}
	Apply(r.Context(), w, w.policy, payload.ExecutionID, res)

	// Only a retryable outcome should provoke the publisher to retry the
	// delivery itself (distinct from the executor-level backoff already
	// armed by Apply above, which governs the *next* attempt).
	writeAck(rw, res.Status != executor.StatusRetryable && res.Status != executor.StatusLocked)
}

func writeAck(rw http.ResponseWriter, success bool) {
	rw.Header().Set("Content-Type", "application/json")
	if !success {
		rw.WriteHeader(http.StatusInternalServerError)
	}
	_, _ = rw.Write([]byte(`{"success":` + strconv.FormatBool(success) + `}`))
}

// verifySignature checks an "sha256=<hex>" HMAC over body against either the
// current or next signing key, so a key rotation has a window in which
// either key authenticates.
func verifySignature(header string, body []byte, keys KeyPair) error {
	sig := strings.TrimPrefix(header, "sha256=")
	if sig == "" {
		return errMissingSignature
	}
	for _, key := range []string{keys.Current, keys.Next} {
		if key == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return errSignatureMismatch
}
