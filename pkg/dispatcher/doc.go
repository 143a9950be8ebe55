/*
Package dispatcher runs BatchHandlers over claimed stream entries.

Each Run claims up to BatchSize entries for one (channel, group), splits
them by event type and calls the registered handler once per type with the
whole group. Only entries the handler reports as successful are acked, so
a failing type never blocks or fails another type in the same run.

	Claimed batch          Handlers                 Ack
	-------------          --------                 ---
	evt_1 invoice.paid  -> invoice.paid   ok     -> evt_1, evt_3
	evt_2 user.created  -> user.created   error  -> (none, redelivered later)
	evt_3 invoice.paid
	evt_4 legacy.type   -> no handler            -> evt_4 (dropped with warning)

Handler panics are recovered and treated as a failure of that type group.
Entries of a type with no registered handler are acked and dropped, since
no retry could ever succeed.

A run has an overall deadline. Type groups not started before it expires
stay claimed and are redelivered once the visibility timeout elapses.
Mutual exclusion between runs is the scheduler's job (see package
scheduler); the dispatcher itself is stateless.
*/
package dispatcher
