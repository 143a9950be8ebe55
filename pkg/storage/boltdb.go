package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/courier/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketStreams = []byte("streams")
	bucketLists   = []byte("lists")
	bucketLeases  = []byte("leases")
	bucketMarks   = []byte("marks")

	// Per-stream sub-buckets
	bucketEntries = []byte("entries")
	bucketIDs     = []byte("ids")
	bucketGroups  = []byte("groups")
	bucketPending = []byte("pending")

	keyCursor = []byte("cursor")
)

// BoltStore implements Store using BoltDB. Every claim, ack and lease change
// is a single write transaction, so concurrent callers in one process are
// serialized by bbolt's writer lock.
type BoltStore struct {
	db *bolt.DB
}

type lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "courier.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStreams, bucketLists, bucketLeases, bucketMarks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Stream operations

func (s *BoltStore) Append(ctx context.Context, channel string, ev *types.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketLists).Bucket([]byte(channel)) != nil {
			return fmt.Errorf("append to list channel %s: %w", channel, types.ErrWrongChannelKind)
		}

		stream, err := createStream(tx, channel)
		if err != nil {
			return err
		}
		ids := stream.Bucket(bucketIDs)
		entries := stream.Bucket(bucketEntries)

		if ev.ID != "" && ids.Get([]byte(ev.ID)) != nil {
			id = ev.ID
			return nil
		}

		offset, err := entries.NextSequence()
		if err != nil {
			return err
		}

		stored := *ev
		stored.Channel = channel
		stored.Offset = offset
		if stored.EnqueuedAt.IsZero() {
			stored.EnqueuedAt = time.Now().UTC()
		}
		if stored.ID == "" {
			stored.ID = fmt.Sprintf("%d-%d", stored.EnqueuedAt.UnixMilli(), offset)
		}

		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := entries.Put(itob(offset), data); err != nil {
			return err
		}
		if err := ids.Put([]byte(stored.ID), itob(offset)); err != nil {
			return err
		}

		id = stored.ID
		return nil
	})

	return id, wrapErr(err)
}

func (s *BoltStore) ReadRange(ctx context.Context, channel string, fromOffset uint64, limit int) ([]*types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		stream, err := viewStream(tx, channel)
		if stream == nil || err != nil {
			return err
		}

		c := stream.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(itob(fromOffset)); k != nil; k, v = c.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})

	return events, wrapErr(err)
}

// Trim removes entries below beforeOffset that every group has moved past:
// nothing at or after a group's cursor+1 or its lowest pending offset is
// removed. A stream with no groups is never trimmed. The dedupe index is kept
// so a provider retry of a trimmed event is still recognized.
func (s *BoltStore) Trim(ctx context.Context, channel string, beforeOffset uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		stream, err := viewStream(tx, channel)
		if stream == nil || err != nil {
			return err
		}

		limit := beforeOffset
		groups := stream.Bucket(bucketGroups)
		hasGroups := false
		err = groups.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			hasGroups = true
			g := groups.Bucket(name)
			if cursor := btoi(g.Get(keyCursor)); cursor+1 < limit {
				limit = cursor + 1
			}
			return g.Bucket(bucketPending).ForEach(func(_, pv []byte) error {
				var p types.PendingEntry
				if err := json.Unmarshal(pv, &p); err != nil {
					return err
				}
				if p.Offset < limit {
					limit = p.Offset
				}
				return nil
			})
		})
		if err != nil || !hasGroups {
			return err
		}

		entries := stream.Bucket(bucketEntries)
		c := entries.Cursor()
		for k, _ := c.First(); k != nil && btoi(k) < limit; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, wrapErr(err)
}

// List operations

func (s *BoltStore) Push(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStreams).Bucket([]byte(channel)) != nil {
			return fmt.Errorf("push to stream channel %s: %w", channel, types.ErrWrongChannelKind)
		}
		list, err := tx.Bucket(bucketLists).CreateBucketIfNotExists([]byte(channel))
		if err != nil {
			return err
		}
		seq, err := list.NextSequence()
		if err != nil {
			return err
		}
		return list.Put(itob(seq), payload)
	})

	return wrapErr(err)
}

func (s *BoltStore) Pop(ctx context.Context, channel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStreams).Bucket([]byte(channel)) != nil {
			return fmt.Errorf("pop from stream channel %s: %w", channel, types.ErrWrongChannelKind)
		}
		list := tx.Bucket(bucketLists).Bucket([]byte(channel))
		if list == nil {
			return types.ErrChannelEmpty
		}
		c := list.Cursor()
		k, v := c.First()
		if k == nil {
			return types.ErrChannelEmpty
		}
		// v is only valid for the life of the transaction
		payload = bytes.Clone(v)
		return c.Delete()
	})

	return payload, wrapErr(err)
}

// Consumer group operations

// Claim first redelivers expired pending entries (oldest offset first), then
// fills the rest of the batch with entries past the group's cursor. A new
// group starts at the beginning of the retained stream.
func (s *BoltStore) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result := &ClaimResult{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		stream, err := viewStream(tx, req.Channel)
		if stream == nil || err != nil {
			return err
		}

		group, err := stream.Bucket(bucketGroups).CreateBucketIfNotExists([]byte(req.Group))
		if err != nil {
			return err
		}
		pending, err := group.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		entries := stream.Bucket(bucketEntries)

		// Expired claims
		var expired []*types.PendingEntry
		err = pending.ForEach(func(_, v []byte) error {
			var p types.PendingEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Expired(now, req.VisibilityTimeout) {
				expired = append(expired, &p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(expired, func(i, j int) bool { return expired[i].Offset < expired[j].Offset })

		for _, p := range expired {
			if len(result.Events) >= req.MaxCount {
				break
			}
			data := entries.Get(itob(p.Offset))
			if data == nil {
				if err := pending.Delete([]byte(p.EntryID)); err != nil {
					return err
				}
				continue
			}
			ev, err := decodeEvent(data)
			if err != nil {
				return err
			}
			p.Consumer = req.Consumer
			p.ClaimedAt = now
			p.Deliveries++
			if err := putPending(pending, p); err != nil {
				return err
			}
			result.Events = append(result.Events, ev)
			result.Reclaimed++
		}

		// New entries past the cursor
		cursor := btoi(group.Get(keyCursor))
		c := entries.Cursor()
		for k, v := c.Seek(itob(cursor + 1)); k != nil && len(result.Events) < req.MaxCount; k, v = c.Next() {
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			p := &types.PendingEntry{
				EntryID:    ev.ID,
				Offset:     ev.Offset,
				Consumer:   req.Consumer,
				ClaimedAt:  now,
				Deliveries: 1,
			}
			if err := putPending(pending, p); err != nil {
				return err
			}
			cursor = ev.Offset
			result.Events = append(result.Events, ev)
		}

		return group.Put(keyCursor, itob(cursor))
	})

	if err != nil {
		return nil, wrapErr(err)
	}
	return result, nil
}

// Ack removes ids from the group's pending set and returns how many were
// pending. Unknown or already acked ids are ignored.
func (s *BoltStore) Ack(ctx context.Context, channel, group string, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	acked := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		pending := pendingBucket(tx, channel, group)
		if pending == nil {
			return nil
		}
		for _, id := range ids {
			if pending.Get([]byte(id)) == nil {
				continue
			}
			if err := pending.Delete([]byte(id)); err != nil {
				return err
			}
			acked++
		}
		return nil
	})

	return acked, wrapErr(err)
}

func (s *BoltStore) GroupState(ctx context.Context, channel, group string) (*types.GroupState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := &types.GroupState{Channel: channel, Group: group}
	err := s.db.View(func(tx *bolt.Tx) error {
		stream, err := viewStream(tx, channel)
		if stream == nil || err != nil {
			return err
		}
		g := stream.Bucket(bucketGroups).Bucket([]byte(group))
		if g == nil {
			return nil
		}
		state.Cursor = btoi(g.Get(keyCursor))
		pending := g.Bucket(bucketPending)
		if pending == nil {
			return nil
		}
		return pending.ForEach(func(_, v []byte) error {
			var p types.PendingEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			state.Pending = append(state.Pending, &p)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	sort.Slice(state.Pending, func(i, j int) bool { return state.Pending[i].Offset < state.Pending[j].Offset })
	return state, nil
}

// Utility

func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStreams) == nil {
			return errors.New("streams bucket missing")
		}
		return nil
	}))
}

// Len returns the number of retained entries on a stream or queued payloads on a list
func (s *BoltStore) Len(ctx context.Context, channel string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if list := tx.Bucket(bucketLists).Bucket([]byte(channel)); list != nil {
			n = list.Stats().KeyN
			return nil
		}
		if stream := tx.Bucket(bucketStreams).Bucket([]byte(channel)); stream != nil {
			n = stream.Bucket(bucketEntries).Stats().KeyN
		}
		return nil
	})

	return n, wrapErr(err)
}

// Channels lists channel names of the given kind starting with prefix. An
// empty kind lists both kinds.
func (s *BoltStore) Channels(ctx context.Context, kind types.ChannelKind, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var parents [][]byte
		switch kind {
		case types.ChannelList:
			parents = [][]byte{bucketLists}
		case types.ChannelStream:
			parents = [][]byte{bucketStreams}
		default:
			parents = [][]byte{bucketStreams, bucketLists}
		}
		for _, parent := range parents {
			c := tx.Bucket(parent).Cursor()
			for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
				if v == nil {
					names = append(names, string(k))
				}
			}
		}
		return nil
	})

	sort.Strings(names)
	return names, wrapErr(err)
}

// Lease operations

func (s *BoltStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		now := time.Now().UTC()

		if data := b.Get([]byte(name)); data != nil {
			var current lease
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			if current.Holder != holder && current.ExpiresAt.After(now) {
				return nil
			}
		}

		data, err := json.Marshal(&lease{Holder: holder, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		acquired = true
		return b.Put([]byte(name), data)
	})

	return acquired, wrapErr(err)
}

func (s *BoltStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var current lease
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Holder != holder {
			return nil
		}
		return b.Delete([]byte(name))
	})

	return wrapErr(err)
}

// Marker operations

// Mark stores each name with its expiry time. Expired marks are dropped in the
// same transaction.
func (s *BoltStore) Mark(ctx context.Context, names []string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMarks)
		now := time.Now().UTC()

		var expired [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(btoi(v)) <= now.UnixNano() {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		exp := itob(uint64(now.Add(ttl).UnixNano()))
		for _, name := range names {
			if err := b.Put([]byte(name), exp); err != nil {
				return err
			}
		}
		return nil
	})

	return wrapErr(err)
}

func (s *BoltStore) Marked(ctx context.Context, names []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	marked := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMarks)
		now := time.Now().UTC().UnixNano()
		for _, name := range names {
			if v := b.Get([]byte(name)); v != nil && int64(btoi(v)) > now {
				marked[name] = true
			}
		}
		return nil
	})

	return marked, wrapErr(err)
}

// Helpers

func createStream(tx *bolt.Tx, channel string) (*bolt.Bucket, error) {
	stream, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists([]byte(channel))
	if err != nil {
		return nil, err
	}
	for _, sub := range [][]byte{bucketEntries, bucketIDs, bucketGroups} {
		if _, err := stream.CreateBucketIfNotExists(sub); err != nil {
			return nil, err
		}
	}
	return stream, nil
}

// viewStream returns the stream bucket, nil if the channel does not exist, or
// ErrWrongChannelKind if it is a list.
func viewStream(tx *bolt.Tx, channel string) (*bolt.Bucket, error) {
	if tx.Bucket(bucketLists).Bucket([]byte(channel)) != nil {
		return nil, fmt.Errorf("stream operation on list channel %s: %w", channel, types.ErrWrongChannelKind)
	}
	return tx.Bucket(bucketStreams).Bucket([]byte(channel)), nil
}

func pendingBucket(tx *bolt.Tx, channel, group string) *bolt.Bucket {
	stream := tx.Bucket(bucketStreams).Bucket([]byte(channel))
	if stream == nil {
		return nil
	}
	g := stream.Bucket(bucketGroups).Bucket([]byte(group))
	if g == nil {
		return nil
	}
	return g.Bucket(bucketPending)
}

func putPending(b *bolt.Bucket, p *types.PendingEntry) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.Put([]byte(p.EntryID), data)
}

func decodeEvent(data []byte) (*types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// wrapErr classifies bbolt failures as ErrStoreUnavailable and passes the
// taxonomy errors through unchanged.
func wrapErr(err error) error {
	if err == nil ||
		errors.Is(err, types.ErrWrongChannelKind) ||
		errors.Is(err, types.ErrChannelEmpty) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}
