package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// SourceTelemetry is the reserved source name for first-party telemetry
const SourceTelemetry = "telemetry"

// DefaultTelemetryPrefix is prepended to the telemetry key to form the list channel
const DefaultTelemetryPrefix = "telemetry:"

// Request is one inbound event as received by the HTTP wrapper
type Request struct {
	// Source is a registered webhook provider name or SourceTelemetry
	Source string
	// Key is the telemetry routing key; unused for webhooks
	Key    string
	Header http.Header
	Body   []byte
}

// Receipt describes where an accepted event was stored
type Receipt struct {
	Channel   string
	Kind      types.ChannelKind
	EventID   string
	EventType string
}

// Config configures a Producer
type Config struct {
	TelemetryPrefix string
	// Broker receives a notice after every successful append or push. Optional.
	Broker *events.Broker
}

// Producer verifies inbound events and writes them to the store. It makes at
// most one store call per request and never retries; a rejection is returned
// to the caller so the sender's own retry policy applies.
type Producer struct {
	store           storage.EventStore
	sources         map[string]*WebhookSource
	telemetryPrefix string
	broker          *events.Broker
	now             func() time.Time
}

// New creates a producer writing to store
func New(store storage.EventStore, cfg Config, sources ...*WebhookSource) *Producer {
	if cfg.TelemetryPrefix == "" {
		cfg.TelemetryPrefix = DefaultTelemetryPrefix
	}

	p := &Producer{
		store:           store,
		sources:         make(map[string]*WebhookSource, len(sources)),
		telemetryPrefix: cfg.TelemetryPrefix,
		broker:          cfg.Broker,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, src := range sources {
		p.sources[src.Name] = src
	}
	return p
}

// TelemetryChannel returns the list channel for a telemetry key
func (p *Producer) TelemetryChannel(key string) string {
	return p.telemetryPrefix + key
}

// TelemetryPrefix returns the prefix shared by all telemetry channels
func (p *Producer) TelemetryPrefix() string {
	return p.telemetryPrefix
}

// Sources returns the registered webhook source names
func (p *Producer) Sources() []string {
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	return names
}

// Ingest validates req and appends or pushes it. Errors are one of
// ErrInvalidSignature, ErrBadPayload, ErrMissingKey or ErrStoreUnavailable.
func (p *Producer) Ingest(ctx context.Context, req *Request) (*Receipt, error) {
	receipt, err := p.ingest(ctx, req)

	source := req.Source
	if source != SourceTelemetry && p.sources[source] == nil {
		source = "unknown"
	}

	if err != nil {
		metrics.EventsRejected.WithLabelValues(source, reason(err)).Inc()
		logger := log.WithComponent("producer")
		logger.Warn().
			Str("source", source).
			Str("reason", reason(err)).
			Err(err).
			Msg("Rejected inbound event")
		return nil, err
	}

	metrics.EventsIngested.WithLabelValues(source, string(receipt.Kind)).Inc()

	if p.broker != nil {
		kind := events.NoticeAppended
		if receipt.Kind == types.ChannelList {
			kind = events.NoticePushed
		}
		p.broker.Publish(&events.Notice{
			Kind:      kind,
			Channel:   receipt.Channel,
			EventID:   receipt.EventID,
			EventType: receipt.EventType,
			Count:     1,
		})
	}

	return receipt, nil
}

func (p *Producer) ingest(ctx context.Context, req *Request) (*Receipt, error) {
	if req.Source == SourceTelemetry {
		return p.ingestTelemetry(ctx, req)
	}

	src, ok := p.sources[req.Source]
	if !ok || req.Source == "" {
		return nil, fmt.Errorf("unknown webhook provider %q: %w", req.Source, types.ErrMissingKey)
	}
	return p.ingestWebhook(ctx, src, req)
}

func (p *Producer) ingestWebhook(ctx context.Context, src *WebhookSource, req *Request) (*Receipt, error) {
	if err := src.Verifier.Verify(req.Header, req.Body); err != nil {
		return nil, err
	}

	ev, err := src.Map(req.Header, req.Body)
	if err != nil {
		return nil, err
	}
	ev.EnqueuedAt = p.now()

	id, err := p.store.Append(ctx, src.Channel, ev)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Channel:   src.Channel,
		Kind:      types.ChannelStream,
		EventID:   id,
		EventType: ev.Type,
	}, nil
}

func (p *Producer) ingestTelemetry(ctx context.Context, req *Request) (*Receipt, error) {
	if err := ValidateKey(req.Key); err != nil {
		return nil, err
	}

	now := p.now()
	record, err := ParseTelemetry(req.Body, now)
	if err != nil {
		return nil, err
	}
	record.Key = req.Key

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode telemetry record: %w", types.ErrBadPayload)
	}

	channel := p.TelemetryChannel(req.Key)
	if err := p.store.Push(ctx, channel, payload); err != nil {
		return nil, err
	}

	return &Receipt{
		Channel:   channel,
		Kind:      types.ChannelList,
		EventID:   record.ID,
		EventType: record.Event,
	}, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, types.ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, types.ErrMissingKey):
		return "missing_key"
	case errors.Is(err, types.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, types.ErrWrongChannelKind):
		return "wrong_channel_kind"
	default:
		return "other"
	}
}
