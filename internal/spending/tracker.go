// ABOUTME: Spending tracker applying hard and soft caps through the SpendStore
// ABOUTME: Emits cap-hit and soft-cap events for lifecycle webhooks

package spending

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/webhook"
)

// CapType says whether a cap rejects or only notifies.
type CapType string

const (
	CapHard CapType = "hard"
	CapSoft CapType = "soft"
)

// Cap limits spend in one currency over one period.
type Cap struct {
	Amount   decimal.Decimal
	Currency string
	Period   Period
	Type     CapType
}

// CapHit reports a cap that a spend reached or exceeded.
type CapHit struct {
	Cap       Cap
	PeriodKey string
	Total     decimal.Decimal
}

// Result is the outcome of RecordSpend.
type Result struct {
	Accepted bool
	// Totals maps period keys to post-spend totals.
	Totals map[string]decimal.Decimal
	// SoftCapsExceeded lists soft caps the post-spend totals are above.
	SoftCapsExceeded []CapHit
}

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(eventType webhook.EventType, payload map[string]any)
}

// Tracker records spend against configured caps.
type Tracker struct {
	store  store.SpendStore
	caps   []Cap
	loc    *time.Location
	events Emitter
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. A nil loc means UTC; events may be nil.
func NewTracker(s store.SpendStore, caps []Cap, loc *time.Location, events Emitter, logger *slog.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		caps:   append([]Cap(nil), caps...),
		loc:    loc,
		events: events,
		now:    time.Now,
		logger: logger.With("component", "spending"),
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

type bucket struct {
	period Period
	key    string
	caps   []Cap
}

// RecordSpend records amount for agentID unless a hard cap would be exceeded.
func (t *Tracker) RecordSpend(ctx context.Context, agentID string, amount decimal.Decimal, currency string) (*Result, error) {
	if amount.IsNegative() {
		return nil, apierr.New(apierr.KindInvalidRequest, "spend amount must not be negative").
			WithDetail("amount", amount.String())
	}
	currency = strings.ToUpper(currency)
	now := t.now()

	buckets := t.bucketsFor(now, currency)
	if len(buckets) == 0 || amount.IsZero() {
		return &Result{Accepted: true, Totals: map[string]decimal.Decimal{}}, nil
	}

	req := make([]store.SpendBucket, len(buckets))
	for i, b := range buckets {
		req[i] = store.SpendBucket{PeriodKey: b.key, HardLimit: tightestHard(b.caps)}
	}

	out, err := t.store.ApplySpend(ctx, agentID, amount, req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "recording spend", err)
	}

	if !out.Applied {
		b := buckets[out.Breached]
		limit := *req[out.Breached].HardLimit
		retryAfter := b.period.End(now, t.loc).Sub(now)

		t.logger.Info("hard spending cap hit",
			"agent_id", agentID,
			"period", b.period,
			"cap", limit.String(),
			"current", out.Totals[out.Breached].String(),
			"attempted", amount.String(),
		)
		t.emit(webhook.EventSpendingCapHit, map[string]any{
			"agent_id":  agentID,
			"period":    string(b.period),
			"currency":  currency,
			"cap":       limit.String(),
			"current":   out.Totals[out.Breached].String(),
			"attempted": amount.String(),
		})
		return nil, apierr.New(apierr.KindSpendingCapExceeded, "spending cap exceeded").
			WithDetail("period", string(b.period)).
			WithDetail("currency", currency).
			WithDetail("cap", limit.String()).
			WithDetail("current", out.Totals[out.Breached].String()).
			WithDetail("attempted", amount.String()).
			WithRetryAfter(retryAfter)
	}

	res := &Result{Accepted: true, Totals: make(map[string]decimal.Decimal, len(buckets))}
	for i, b := range buckets {
		total := out.Totals[i]
		res.Totals[b.key] = total
		for _, c := range b.caps {
			if c.Type != CapSoft || !total.GreaterThan(c.Amount) {
				continue
			}
			res.SoftCapsExceeded = append(res.SoftCapsExceeded, CapHit{Cap: c, PeriodKey: b.key, Total: total})
			t.emit(webhook.EventSpendingSoftCap, map[string]any{
				"agent_id": agentID,
				"period":   string(c.Period),
				"currency": currency,
				"cap":      c.Amount.String(),
				"total":    total.String(),
				"amount":   amount.String(),
			})
		}
	}
	return res, nil
}

// bucketsFor groups the caps that apply to currency by period.
func (t *Tracker) bucketsFor(now time.Time, currency string) []bucket {
	var buckets []bucket
	index := make(map[Period]int)
	for _, c := range t.caps {
		if !strings.EqualFold(c.Currency, currency) {
			continue
		}
		i, ok := index[c.Period]
		if !ok {
			i = len(buckets)
			index[c.Period] = i
			buckets = append(buckets, bucket{period: c.Period, key: c.Period.Key(now, t.loc, currency)})
		}
		buckets[i].caps = append(buckets[i].caps, c)
	}
	return buckets
}

func tightestHard(caps []Cap) *decimal.Decimal {
	var limit *decimal.Decimal
	for _, c := range caps {
		if c.Type != CapHard {
			continue
		}
		if limit == nil || c.Amount.LessThan(*limit) {
			amt := c.Amount
			limit = &amt
		}
	}
	return limit
}

func (t *Tracker) emit(eventType webhook.EventType, payload map[string]any) {
	if t.events != nil {
		t.events.Emit(eventType, payload)
	}
}
