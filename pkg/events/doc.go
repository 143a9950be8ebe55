/*
Package events provides an in-process broker for channel notices.

Producers publish a Notice after each successful append or push; the serve
loop subscribes and uses pushed notices to trigger an early drain instead of
waiting for the next scheduled run. Notices are hints only. They carry no
payload, are never persisted, and may be dropped under load, so correctness
never depends on them: scheduled dispatch and drain runs still pick up every
entry from the store.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for notice := range sub {
		if notice.Kind == events.NoticePushed {
			sched.Trigger("drain")
		}
	}
*/
package events
