package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/courier/pkg/dispatcher"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

const (
	// DefaultMaxBatch is the provider's limit on messages per batch call
	DefaultMaxBatch = 100
	// DefaultSentTTL is how long a sent marker suppresses a redelivered entry
	DefaultSentTTL = 7 * 24 * time.Hour
)

// EmailOptions configures an EmailHandler
type EmailOptions struct {
	From      string
	MaxBatch  int
	Renderers map[string]Renderer

	// Marks records which entries were already sent. Without it only the
	// provider idempotency key guards against duplicate sends, and that key
	// changes when a redelivered entry lands in a different batch.
	Marks   storage.Marker
	SentTTL time.Duration
}

// EmailHandler is a dispatcher.BatchHandler that renders one email per event
// and sends them in as few provider calls as possible.
type EmailHandler struct {
	sender    Sender
	from      string
	maxBatch  int
	renderers map[string]Renderer
	marks     storage.Marker
	sentTTL   time.Duration
	logger    zerolog.Logger
}

// NewEmailHandler creates a handler sending through sender
func NewEmailHandler(sender Sender, opts EmailOptions) *EmailHandler {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.Renderers == nil {
		opts.Renderers = DefaultRenderers()
	}
	if opts.SentTTL <= 0 {
		opts.SentTTL = DefaultSentTTL
	}
	return &EmailHandler{
		sender:    sender,
		from:      opts.From,
		maxBatch:  opts.MaxBatch,
		renderers: opts.Renderers,
		marks:     opts.Marks,
		sentTTL:   opts.SentTTL,
		logger:    log.WithComponent("email"),
	}
}

// Types returns the event types this handler renders, for registration
func (h *EmailHandler) Types() []string {
	names := make([]string, 0, len(h.renderers))
	for t := range h.renderers {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

type rendered struct {
	event *types.Event
	msg   *Message
}

// HandleBatch renders and sends the batch. Events that cannot be rendered are
// dropped (reported as handled) because redelivery cannot fix their payload.
// Events whose send failed are reported as failed and will be redelivered.
// Events already marked as sent are acknowledged without sending again.
func (h *EmailHandler) HandleBatch(ctx context.Context, eventType string, events []*types.Event) dispatcher.Result {
	render, ok := h.renderers[eventType]
	if !ok {
		return dispatcher.Failure(fmt.Errorf("no renderer for %s", eventType))
	}

	events, err := h.unsent(ctx, events)
	if err != nil {
		return dispatcher.Failure(err)
	}

	var ready []rendered
	for _, ev := range events {
		msg, err := render(ev)
		if err != nil {
			metrics.EmailsSent.WithLabelValues("dropped").Inc()
			h.logger.Warn().
				Err(err).
				Str("entry_id", ev.ID).
				Str("event_type", eventType).
				Msg("Cannot render email, dropping event")
			continue
		}
		if msg.From == "" {
			msg.From = h.from
		}
		ready = append(ready, rendered{event: ev, msg: msg})
	}
	if len(ready) == 0 {
		return dispatcher.Success()
	}

	ids := make([]string, 0, len(ready))
	for _, r := range ready {
		ids = append(ids, r.event.ID)
	}
	baseKey := IdempotencyKey(eventType, earliest(events), ids)

	failed := make(map[string]error)
	var sent []*types.Event
	chunks := chunk(ready, h.maxBatch)
	for i, c := range chunks {
		key := baseKey
		if len(chunks) > 1 {
			key = fmt.Sprintf("%s-%d", baseKey, i)
		}
		sent = append(sent, h.send(ctx, eventType, key, c, failed)...)
	}
	h.markSent(ctx, sent)

	if len(failed) == 0 {
		return dispatcher.Success()
	}
	return dispatcher.Partial(failed)
}

// send delivers one chunk and returns the events the provider accepted
func (h *EmailHandler) send(ctx context.Context, eventType, key string, batch []rendered, failed map[string]error) []*types.Event {
	msgs := make([]*Message, len(batch))
	for i, r := range batch {
		msgs[i] = r.msg
	}

	results, err := h.sender.SendBatch(ctx, msgs, key)
	if err != nil {
		for _, r := range batch {
			failed[r.event.ID] = err
		}
		metrics.EmailsSent.WithLabelValues("failed").Add(float64(len(batch)))
		h.logger.Error().
			Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", key).
			Int("messages", len(batch)).
			Msg("Batch send failed")
		return nil
	}

	var accepted []*types.Event
	for i, r := range batch {
		switch {
		case i >= len(results):
			failed[r.event.ID] = errors.New("missing send result")
		case !results[i].OK():
			failed[r.event.ID] = errors.New(results[i].Error)
		default:
			accepted = append(accepted, r.event)
		}
	}
	sent := len(accepted)

	metrics.EmailsSent.WithLabelValues("sent").Add(float64(sent))
	if n := len(batch) - sent; n > 0 {
		metrics.EmailsSent.WithLabelValues("failed").Add(float64(n))
	}

	h.logger.Info().
		Str("event_type", eventType).
		Str("idempotency_key", key).
		Int("sent", sent).
		Int("failed", len(batch)-sent).
		Msg("Batch sent")
	return accepted
}

// unsent drops the events that carry a sent marker
func (h *EmailHandler) unsent(ctx context.Context, events []*types.Event) ([]*types.Event, error) {
	if h.marks == nil || len(events) == 0 {
		return events, nil
	}

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = sentMark(ev)
	}
	marked, err := h.marks.Marked(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("read sent marks: %w", err)
	}
	if len(marked) == 0 {
		return events, nil
	}

	fresh := make([]*types.Event, 0, len(events)-len(marked))
	for i, ev := range events {
		if marked[names[i]] {
			metrics.EmailsSent.WithLabelValues("duplicate").Inc()
			h.logger.Debug().Str("entry_id", ev.ID).Msg("Already sent, skipping redelivered event")
			continue
		}
		fresh = append(fresh, ev)
	}
	return fresh, nil
}

func (h *EmailHandler) markSent(ctx context.Context, events []*types.Event) {
	if h.marks == nil || len(events) == 0 {
		return
	}

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = sentMark(ev)
	}
	// The emails are out, so record them even if ctx was cancelled mid-send
	if err := h.marks.Mark(context.WithoutCancel(ctx), names, h.sentTTL); err != nil {
		h.logger.Warn().Err(err).Int("events", len(names)).Msg("Failed to record sent marks")
	}
}

func sentMark(ev *types.Event) string {
	return "sent:" + ev.Channel + ":" + ev.ID
}

// IdempotencyKey derives a provider idempotency key from the event type, the
// day bucket of the batch and a short hash of its sorted entry ids. A retry of
// the same entries yields the same key, so the provider collapses it.
func IdempotencyKey(eventType string, at time.Time, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return fmt.Sprintf("%s/%s/%s", eventType, at.UTC().Format("20060102"), hex.EncodeToString(sum[:8]))
}

func earliest(events []*types.Event) time.Time {
	var t time.Time
	for _, ev := range events {
		if t.IsZero() || (!ev.EnqueuedAt.IsZero() && ev.EnqueuedAt.Before(t)) {
			t = ev.EnqueuedAt
		}
	}
	return t
}

func chunk(items []rendered, size int) [][]rendered {
	var chunks [][]rendered
	for size < len(items) {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	return append(chunks, items)
}
