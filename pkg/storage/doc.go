/*
Package storage provides the durable event log behind Courier's channels.

The EventStore interface covers two channel shapes. List channels are strict
FIFO queues (Push/Pop, at-most-once, no replay). Stream channels are
append-only logs with offsets, read by consumer groups that each keep a
cursor and a pending set of claimed but unacknowledged entries. A Leaser
hands out expiring run leases so that at most one worker process runs a
given dispatch or drain at a time.

# Backends

BoltStore keeps everything in one bbolt file (<dataDir>/courier.db):

	streams/
	  <channel>/
	    entries/   offset (8-byte big endian) -> Event JSON
	    ids/       event id -> offset (dedupe index, survives Trim)
	    groups/
	      <group>/ cursor -> offset
	        pending/ event id -> PendingEntry JSON
	lists/
	  <channel>/   sequence -> payload
	leases/        name -> {holder, expires_at}

Claim, Ack and lease changes are single write transactions, which makes the
claim-and-mark step atomic for every caller sharing the file.

RedisStore maps the same model onto Redis primitives:

	courier:{<channel>}:list     LPUSH / RPOP
	courier:{<channel>}:stream   XADD with id 0-<offset>, XREADGROUP, XAUTOCLAIM, XACK, XTRIM MINID
	courier:{<channel>}:ids      HSET event id -> stream id
	courier:{<channel>}:seq      INCR offset counter
	courier:lease:<name>         SET PX guarded by compare-and-set scripts

Append runs as a Lua script so the dedupe check, offset allocation and XADD
happen atomically. Redelivery uses the server's idle time instead of a
caller-supplied clock.

# Delivery Semantics

  - Append with an existing id returns that id and appends nothing
  - Claim hands each entry to one consumer; an entry becomes claimable again
    once its claim is older than the visibility timeout
  - Ack of unknown or already acknowledged ids is a no-op
  - Trim never removes an entry some group has not yet acknowledged
  - Transport failures wrap types.ErrStoreUnavailable

# Usage

	store, err := storage.NewBoltStore("/var/lib/courier")
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Append(ctx, "stripe", &types.Event{ID: "evt_1", Type: "invoice.paid", Payload: body})
	res, err := store.Claim(ctx, storage.ClaimRequest{
		Channel:           "stripe",
		Group:             "workers",
		Consumer:          "worker-1",
		MaxCount:          100,
		VisibilityTimeout: 5 * time.Minute,
	})
	_, err = store.Ack(ctx, "stripe", "workers", []string{id})
*/
package storage
