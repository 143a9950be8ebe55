package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/api"
	"github.com/cuemby/courier/pkg/config"
	"github.com/cuemby/courier/pkg/coordinator"
	"github.com/cuemby/courier/pkg/dispatcher"
	"github.com/cuemby/courier/pkg/drainer"
	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/notify"
	"github.com/cuemby/courier/pkg/producer"
	"github.com/cuemby/courier/pkg/scheduler"
	"github.com/cuemby/courier/pkg/sink"
	"github.com/cuemby/courier/pkg/storage"
)

const trimJob = "trim"

// app holds the components shared by every command
type app struct {
	cfg    *config.Config
	store  storage.Store
	sink   sink.Sink
	coord  *coordinator.Coordinator
	// consumer names this process in consumer groups and prefixes its lease
	// holder ids. It may be shared by replicas.
	consumer string
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	consumer := cfg.Dispatch.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	return &app{
		cfg:      cfg,
		store:    store,
		coord:    coordinator.New(store, coordinator.Config{VisibilityTimeout: cfg.Dispatch.VisibilityTimeout}),
		consumer: consumer,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		client, err := storage.NewRedisClient(ctx, storage.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStore(client), nil
	default:
		if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.NewBoltStore(cfg.Store.DataDir)
	}
}

// openSink connects the sink on first use
func (a *app) openSink(ctx context.Context) (sink.Sink, error) {
	if a.sink != nil {
		return a.sink, nil
	}
	s, err := sink.Open(ctx, a.cfg.Sink.Driver, a.cfg.Sink.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", a.cfg.Sink.Driver, err)
	}
	a.sink = s
	return s, nil
}

func (a *app) Close() error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func (a *app) producer(broker *events.Broker) (*producer.Producer, error) {
	sources := make([]*producer.WebhookSource, 0, len(a.cfg.Webhooks))
	for _, w := range a.cfg.Webhooks {
		src, err := producer.NewWebhookSource(w.Name, w.Channel, w.Scheme, w.Secret, w.Tolerance)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", w.Name, err)
		}
		sources = append(sources, src)
	}

	return producer.New(a.store, producer.Config{
		TelemetryPrefix: a.cfg.Telemetry.Prefix,
		Broker:          broker,
	}, sources...), nil
}

type groupRegistry struct {
	group    string
	registry *dispatcher.Registry
}

// registries returns one handler registry per consumer group: the
// notification group when email is configured and the analytics group when
// record types are.
func (a *app) registries(ctx context.Context) ([]groupRegistry, error) {
	var out []groupRegistry

	if a.cfg.Email.Enabled() {
		sender := notify.NewHTTPSender(a.cfg.Email.APIKey, notify.HTTPSenderOptions{
			BaseURL:           a.cfg.Email.BaseURL,
			RequestsPerSecond: a.cfg.Email.RequestsPerSecond,
		})
		handler := notify.NewEmailHandler(sender, notify.EmailOptions{
			From:     a.cfg.Email.From,
			MaxBatch: a.cfg.Email.MaxBatch,
			Marks:    a.store,
		})
		reg := dispatcher.NewRegistry()
		reg.Register(handler, handler.Types()...)
		out = append(out, groupRegistry{group: a.cfg.Dispatch.Group, registry: reg})
	}

	if len(a.cfg.Sink.RecordTypes) > 0 {
		s, err := a.openSink(ctx)
		if err != nil {
			return nil, err
		}
		reg := dispatcher.NewRegistry()
		reg.Register(sink.NewEventRecorder(s), a.cfg.Sink.RecordTypes...)
		out = append(out, groupRegistry{group: a.cfg.Sink.Group, registry: reg})
	}

	return out, nil
}

// dispatchers builds one dispatcher per (channel, group)
func (a *app) dispatchers(ctx context.Context) ([]*dispatcher.Dispatcher, error) {
	regs, err := a.registries(ctx)
	if err != nil {
		return nil, err
	}

	var out []*dispatcher.Dispatcher
	for _, channel := range a.cfg.DispatchChannels() {
		for _, gr := range regs {
			out = append(out, dispatcher.New(a.coord, gr.registry, dispatcher.Config{
				Channel:    channel,
				Group:      gr.group,
				Consumer:   a.consumer,
				BatchSize:  a.cfg.Dispatch.BatchSize,
				RunTimeout: a.cfg.Dispatch.RunTimeout,
			}))
		}
	}
	return out, nil
}

func (a *app) drainer(ctx context.Context) (*drainer.Drainer, error) {
	s, err := a.openSink(ctx)
	if err != nil {
		return nil, err
	}
	return drainer.New(a.store, s, drainer.Config{
		Prefix:   a.cfg.Telemetry.Prefix,
		MaxBatch: a.cfg.Telemetry.MaxBatch,
		LeaseTTL: a.cfg.Telemetry.LeaseTTL,
	}), nil
}

// schedule registers every periodic job and returns the dispatch job names
// keyed by channel.
func (a *app) schedule(ctx context.Context, sched *scheduler.Scheduler, broker *events.Broker) (map[string][]string, error) {
	dispatchers, err := a.dispatchers(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make(map[string][]string)
	for _, d := range dispatchers {
		dc := d.Config()
		name := dispatchJobName(dc.Group, dc.Channel)
		if err := sched.Every(name, a.cfg.Dispatch.Interval, func(ctx context.Context) error {
			_, err := d.Run(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		jobs[dc.Channel] = append(jobs[dc.Channel], name)
	}

	dr, err := a.drainer(ctx)
	if err != nil {
		return nil, err
	}
	if err := sched.Every(api.DrainJob, a.cfg.Telemetry.DrainInterval, func(ctx context.Context) error {
		results, err := dr.DrainAll(ctx)
		publishDrained(broker, results)
		return err
	}); err != nil {
		return nil, err
	}

	if err := sched.Every(trimJob, a.cfg.Dispatch.TrimInterval, a.trimAll); err != nil {
		return nil, err
	}

	return jobs, nil
}

// trimAll removes entries every group has acknowledged from each dispatched channel
func (a *app) trimAll(ctx context.Context) error {
	logger := log.WithComponent("trim")

	var errs []error
	for _, channel := range a.cfg.DispatchChannels() {
		removed, err := a.store.Trim(ctx, channel, math.MaxUint64)
		if err != nil {
			errs = append(errs, fmt.Errorf("trim %s: %w", channel, err))
			continue
		}
		if removed > 0 {
			logger.Info().Str("channel", channel).Int("removed", removed).Msg("Trimmed acknowledged entries")
		}
	}
	return errors.Join(errs...)
}

// groupsByChannel lists the consumer groups sampled by the metrics collector
func (a *app) groupsByChannel() map[string][]string {
	var groups []string
	if a.cfg.Email.Enabled() {
		groups = append(groups, a.cfg.Dispatch.Group)
	}
	if len(a.cfg.Sink.RecordTypes) > 0 {
		groups = append(groups, a.cfg.Sink.Group)
	}

	out := make(map[string][]string)
	for _, channel := range a.cfg.DispatchChannels() {
		out[channel] = groups
	}
	return out
}

func dispatchJobName(group, channel string) string {
	return "dispatch:" + group + ":" + channel
}

func publishDrained(broker *events.Broker, results []*drainer.Result) {
	if broker == nil {
		return
	}
	for _, r := range results {
		if r.Written == 0 {
			continue
		}
		broker.Publish(&events.Notice{
			Kind:    events.NoticeDrained,
			Channel: r.Channel,
			Count:   r.Written,
		})
	}
}
