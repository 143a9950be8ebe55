/*
Package scheduler runs Courier's periodic workers.

Jobs are registered with Every and started together. Each job has its own
ticker loop, so a slow dispatch never delays a drain. Before every run the
scheduler takes the store-backed lease "run:<job>"; a process that fails to
get it skips the tick. This gives at most one in-flight run per job across
all replicas, and a holder that stalls or crashes loses the lease when its
TTL expires instead of blocking future runs forever.

	sched := scheduler.New(store, scheduler.Config{LeaseTTL: 5 * time.Minute})
	sched.Every("dispatch:billing", 10*time.Second, func(ctx context.Context) error {
		_, err := d.Run(ctx)
		return err
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Run a job early, for example after a telemetry push
	sched.Trigger("drain")

Trigger is non-blocking and coalesces repeated requests. RunOnce runs a job
synchronously, which the CLI uses for one-shot dispatch and drain commands.
*/
package scheduler
