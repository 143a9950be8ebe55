package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/courier/pkg/api"
	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/health"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, dispatchers and telemetry drainer",
	Long: `Run Courier in the foreground.

The HTTP API accepts webhooks and telemetry. Dispatch, drain and trim jobs run
on the scheduler; each job holds a store lease while it runs, so several
replicas sharing one Redis store never run the same job concurrently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	logger := log.WithComponent("serve")

	a, err := newApp(ctx, cfg)
	if err != nil {
		metrics.ReportComponent("store", false, err.Error())
		return err
	}
	defer a.Close()

	metrics.SetVersion(Version)
	metrics.ReportComponent("api", false, "starting")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	prod, err := a.producer(broker)
	if err != nil {
		return err
	}

	sched := scheduler.New(a.store, scheduler.Config{
		Holder:   a.consumer,
		LeaseTTL: cfg.Dispatch.LeaseTTL,
	})
	dispatchJobs, err := a.schedule(ctx, sched, broker)
	if err != nil {
		return err
	}
	if len(dispatchJobs) == 0 {
		logger.Warn().Msg("No dispatch handlers configured; webhook events will accumulate")
	}

	// The drain job opened the sink, so it is probed alongside the store
	monitor := health.NewMonitor(health.Config{})
	monitor.Add("store", health.NewPingChecker(a.store))
	monitor.Add("sink", health.NewPingChecker(a.sink))
	if cfg.Email.Enabled() {
		monitor.Add("email", health.NewHTTPChecker(cfg.Email.BaseURL))
	}
	metrics.SetCriticalComponents("store", "sink", "api")
	monitor.Start(ctx)
	defer monitor.Stop()

	server := api.NewServer(prod, sched, api.Config{
		Addr:               cfg.HTTP.Addr,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		ShutdownTimeout:    cfg.HTTP.ShutdownTimeout,
		AdminToken:         cfg.HTTP.AdminToken,
		TelemetryRateLimit: cfg.Telemetry.RateLimit,
		TelemetryRateBurst: cfg.Telemetry.RateBurst,
	})

	collector := metrics.NewCollector(a.store, a.groupsByChannel())
	collector.Start()
	defer collector.Stop()

	logger.Info().
		Str("consumer", a.consumer).
		Strs("jobs", sched.Jobs()).
		Strs("webhooks", prod.Sources()).
		Msg("Courier starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.WithoutCancel(gctx))
	})

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	g.Go(func() error {
		loop := &noticeLoop{
			trigger:      sched,
			threshold:    cfg.Telemetry.DrainThreshold,
			dispatchJobs: dispatchJobs,
		}
		loop.run(gctx, broker)
		return nil
	})

	err = g.Wait()
	logger.Info().Int64("dropped_notices", broker.Dropped()).Msg("Courier stopped")
	return err
}

// noticeLoop turns producer notices into early job runs: appends trigger
// the channel's dispatch jobs and every threshold pushes trigger a drain.
type noticeLoop struct {
	trigger      api.Triggerer
	threshold    int
	dispatchJobs map[string][]string
	pushes       int
}

func (l *noticeLoop) run(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-sub:
			if !ok {
				return
			}
			l.handle(notice)
		}
	}
}

func (l *noticeLoop) handle(notice *events.Notice) {
	switch notice.Kind {
	case events.NoticeAppended:
		for _, job := range l.dispatchJobs[notice.Channel] {
			l.trigger.Trigger(job)
		}
	case events.NoticePushed:
		if l.threshold <= 0 {
			return
		}
		l.pushes++
		if l.pushes >= l.threshold {
			l.trigger.Trigger(api.DrainJob)
			l.pushes = 0
		}
	case events.NoticeDrained:
		l.pushes = 0
	}
}
