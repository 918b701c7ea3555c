// ABOUTME: Tests for the webhook emitter
// ABOUTME: Covers signing, retries, drops, subscriptions and the NATS sink

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomes struct {
	mu   sync.Mutex
	seen map[string]int
}

func (o *outcomes) record(_ EventType, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string]int)
	}
	o.seen[outcome]++
}

func (o *outcomes) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen[outcome]
}

func fastOptions(url string) Options {
	return Options{
		Endpoints:      []Endpoint{{URL: url}},
		Secret:         "whsec",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        2 * time.Second,
		Workers:        2,
		QueueSize:      16,
	}
}

func closeEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestEmitDeliversSignedEvent(t *testing.T) {
	var mu sync.Mutex
	var got struct {
		headers http.Header
		body    []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got.headers = r.Header.Clone()
		got.body = body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewEmitter(fastOptions(srv.URL), nil)
	e.Emit(EventAgentRegistered, map[string]any{"agent_id": "agent-1"})
	closeEmitter(t, e)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got.body)
	assert.Equal(t, "agent.registered", got.headers.Get(HeaderEvent))
	assert.NotEmpty(t, got.headers.Get(HeaderDelivery))
	assert.NotEmpty(t, got.headers.Get(HeaderTimestamp))
	assert.True(t, VerifySignature("whsec", got.body, got.headers.Get(HeaderSignature)))
	assert.False(t, VerifySignature("other", got.body, got.headers.Get(HeaderSignature)))

	var evt Event
	require.NoError(t, json.Unmarshal(got.body, &evt))
	assert.Equal(t, EventAgentRegistered, evt.Type)
	assert.Equal(t, "agent-1", evt.Data["agent_id"])
	assert.Equal(t, got.headers.Get(HeaderDelivery), evt.ID)
}

func TestEmitRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out outcomes
	opts := fastOptions(srv.URL)
	opts.OnOutcome = out.record
	e := NewEmitter(opts, nil)
	e.Emit(EventRateLimited, map[string]any{"agent_id": "a"})
	closeEmitter(t, e)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, out.count(OutcomeRetried))
	assert.Equal(t, 1, out.count(OutcomeDelivered))
}

func TestEmitDropsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out outcomes
	opts := fastOptions(srv.URL)
	opts.OnOutcome = out.record
	e := NewEmitter(opts, nil)
	e.Emit(EventAgentSuspended, nil)
	closeEmitter(t, e)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, out.count(OutcomeDropped))
}

func TestEmitDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	e := NewEmitter(fastOptions(srv.URL), nil)
	e.Emit(EventAgentSuspended, nil)
	closeEmitter(t, e)

	assert.Equal(t, int32(1), calls.Load())
}

func TestEmitRespectsSubscriptions(t *testing.T) {
	var regCalls, allCalls atomic.Int32
	reg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		regCalls.Add(1)
	}))
	defer reg.Close()
	all := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allCalls.Add(1)
	}))
	defer all.Close()

	opts := fastOptions("")
	opts.Endpoints = []Endpoint{
		{URL: reg.URL, Events: []EventType{EventAgentRegistered}},
		{URL: all.URL, Events: []EventType{AllEvents}},
	}
	e := NewEmitter(opts, nil)
	e.Emit(EventAgentRegistered, nil)
	e.Emit(EventAgentFlagged, nil)
	closeEmitter(t, e)

	assert.Equal(t, int32(1), regCalls.Load())
	assert.Equal(t, int32(2), allCalls.Load())
}

func TestEmitNeverBlocksWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	var out outcomes
	opts := fastOptions(srv.URL)
	opts.Workers = 1
	opts.QueueSize = 1
	opts.OnOutcome = out.record
	e := NewEmitter(opts, nil)

	start := time.Now()
	for range 3 {
		e.Emit(EventAgentRegistered, nil)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, out.count(OutcomeQueueFull), 1)

	close(release)
	closeEmitter(t, e)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	e := NewEmitter(fastOptions(srv.URL), nil)
	closeEmitter(t, e)
	e.Emit(EventAgentRegistered, nil)
	require.NoError(t, e.Close(context.Background()), "close is idempotent")

	assert.Equal(t, int32(0), calls.Load())
}

func TestBackoffIsCapped(t *testing.T) {
	e := &Emitter{opts: Options{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}}

	d1 := e.backoff(1)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.Less(t, d1, 125*time.Millisecond)

	d2 := e.backoff(2)
	assert.GreaterOrEqual(t, d2, 200*time.Millisecond)

	d10 := e.backoff(10)
	assert.GreaterOrEqual(t, d10, 300*time.Millisecond)
	assert.Less(t, d10, 325*time.Millisecond)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestEmitPublishesToSink(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(Options{Publisher: pub, SubjectPrefix: "gw"}, nil)
	e.Emit(EventSpendingCapHit, map[string]any{"agent_id": "a"})
	closeEmitter(t, e)

	assert.Equal(t, []string{"gw.agent.spending_cap_hit"}, pub.subjects)
}

func TestEmitAfterCloseSkipsSink(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(Options{Publisher: pub, SubjectPrefix: "gw"}, nil)
	e.Emit(EventAgentRegistered, nil)
	closeEmitter(t, e)
	e.Emit(EventAgentSuspended, nil)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, []string{"gw.agent.registered"}, pub.subjects)
}

func TestNATSPublisher(t *testing.T) {
	conn, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("agentgate.test.>")
	require.NoError(t, err)

	pub, err := NewNATSPublisher(nats.DefaultURL, nil)
	require.NoError(t, err)
	defer pub.Close()

	e := NewEmitter(Options{Publisher: pub, SubjectPrefix: "agentgate.test"}, nil)
	e.Emit(EventAgentRegistered, map[string]any{"agent_id": "a"})
	closeEmitter(t, e)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agentgate.test.agent.registered", msg.Subject)
}

func TestEndpointSubscribed(t *testing.T) {
	assert.True(t, Endpoint{}.Subscribed(EventAgentFlagged))
	assert.True(t, Endpoint{Events: []EventType{EventAgentFlagged}}.Subscribed(EventAgentFlagged))
	assert.False(t, Endpoint{Events: []EventType{EventAgentFlagged}}.Subscribed(EventAgentBanned))
	assert.True(t, IsKnown(AllEvents))
	assert.False(t, IsKnown("agent.unknown"))
}
