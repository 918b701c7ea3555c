// ABOUTME: Asynchronous webhook emitter with a worker pool and retry backoff
// ABOUTME: Deliveries are HMAC signed; exhausted deliveries are dropped and logged

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-AgentGate-Event"
	HeaderDelivery  = "X-AgentGate-Delivery"
	HeaderTimestamp = "X-AgentGate-Timestamp"
	HeaderSignature = "X-AgentGate-Signature"
)

// Delivery outcomes reported to Options.OnOutcome.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
	OutcomeQueueFull = "queue_full"
)

// Options configures an Emitter.
type Options struct {
	Endpoints      []Endpoint
	Secret         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	Workers        int
	QueueSize      int

	// Publisher, when set, receives every event on SubjectPrefix.<type>.
	Publisher     Publisher
	SubjectPrefix string

	HTTPClient *http.Client
	// OnOutcome is called for each delivery attempt outcome.
	OnOutcome func(eventType EventType, outcome string)
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "agentgate.events"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
}

type delivery struct {
	event    Event
	endpoint Endpoint
	body     []byte
}

// Emitter queues events and delivers them in the background.
type Emitter struct {
	opts   Options
	queue  chan delivery
	logger *slog.Logger

	// mu guards closed and the queue close so Emit never sends on a closed channel.
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewEmitter creates an emitter and starts its workers.
func NewEmitter(opts Options, logger *slog.Logger) *Emitter {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		opts:   opts,
		queue:  make(chan delivery, opts.QueueSize),
		logger: logger.With("component", "webhook"),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
	for range opts.Workers {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit queues eventType with payload for every subscribed endpoint. It
// never blocks; when the queue is full the delivery is dropped.
func (e *Emitter) Emit(eventType EventType, payload map[string]any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Debug("emitter closed, dropping event", "type", eventType)
		return
	}

	evt := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		CreatedAt: e.now().UTC(),
		Data:      payload,
	}
	body, err := evt.marshal()
	if err != nil {
		e.logger.Error("failed to marshal event", "type", eventType, "error", err)
		return
	}

	if e.opts.Publisher != nil {
		subject := e.opts.SubjectPrefix + "." + string(eventType)
		if err := e.opts.Publisher.Publish(subject, body); err != nil {
			e.logger.Warn("failed to publish event", "subject", subject, "error", err)
		}
	}

	for _, ep := range e.opts.Endpoints {
		if !ep.Subscribed(eventType) {
			continue
		}
		select {
		case e.queue <- delivery{event: evt, endpoint: ep, body: body}:
		default:
			e.logger.Warn("webhook queue full, dropping delivery", "type", eventType, "url", ep.URL)
			e.observe(eventType, OutcomeQueueFull)
		}
	}
}

// Close stops accepting events and waits for queued deliveries. When ctx
// ends first, in-flight retries are abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for d := range e.queue {
		e.deliver(d)
	}
}

func (e *Emitter) deliver(d delivery) {
	for attempt := 1; ; attempt++ {
		err := e.send(d)
		if err == nil {
			e.logger.Debug("webhook delivered", "type", d.event.Type, "url", d.endpoint.URL, "attempt", attempt)
			e.observe(d.event.Type, OutcomeDelivered)
			return
		}

		retryable := isRetryable(err)
		if !retryable || attempt >= e.opts.MaxAttempts {
			e.logger.Warn("webhook delivery dropped",
				"type", d.event.Type,
				"url", d.endpoint.URL,
				"delivery_id", d.event.ID,
				"attempts", attempt,
				"error", err,
			)
			e.observe(d.event.Type, OutcomeDropped)
			return
		}

		delay := e.backoff(attempt)
		e.logger.Debug("webhook delivery failed, retrying", "url", d.endpoint.URL, "attempt", attempt, "next_retry_in", delay, "error", err)
		e.observe(d.event.Type, OutcomeRetried)

		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
			e.logger.Warn("emitter shutting down, abandoning delivery", "type", d.event.Type, "url", d.endpoint.URL)
			e.observe(d.event.Type, OutcomeDropped)
			return
		}
	}
}

// backoff returns InitialBackoff * 2^(attempt-1), capped, plus jitter in
// [0, InitialBackoff/4).
func (e *Emitter) backoff(attempt int) time.Duration {
	delay := e.opts.InitialBackoff << uint(attempt-1)
	if delay <= 0 || delay > e.opts.MaxBackoff {
		delay = e.opts.MaxBackoff
	}
	if j := int64(e.opts.InitialBackoff / 4); j > 0 {
		delay += time.Duration(rand.Int64N(j))
	}
	return delay
}

type statusError struct {
	code int
}

func (s statusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", s.code)
}

// isRetryable treats transport errors, 5xx, 408 and 429 as transient.
func isRetryable(err error) bool {
	var se statusError
	if !errors.As(err, &se) {
		return true
	}
	return se.code >= 500 || se.code == http.StatusRequestTimeout || se.code == http.StatusTooManyRequests
}

func (e *Emitter) send(d delivery) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint.URL, bytes.NewReader(d.body))
	if err != nil {
		return statusError{code: http.StatusBadRequest}
	}
	secret := d.endpoint.Secret
	if secret == "" {
		secret = e.opts.Secret
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentgate-webhook/1")
	req.Header.Set(HeaderEvent, string(d.event.Type))
	req.Header.Set(HeaderDelivery, d.event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.event.CreatedAt.Unix(), 10))
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, d.body))
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError{code: resp.StatusCode}
	}
	return nil
}

func (e *Emitter) observe(t EventType, outcome string) {
	if e.opts.OnOutcome != nil {
		e.opts.OnOutcome(t, outcome)
	}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against body.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
