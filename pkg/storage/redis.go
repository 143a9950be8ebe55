package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/courier/pkg/types"
)

// RedisConfig holds connection settings for RedisStore
type RedisConfig struct {
	Addr     string
	Password string // optional
	DB       int    // optional
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w: %v", types.ErrStoreUnavailable, err)
	}

	return client, nil
}

// RedisStore implements Store on Redis lists and streams. Stream entries are
// written with explicit ids "0-<offset>" so the offset is recoverable from the
// stream id, and a per-channel hash maps event ids to stream ids for dedupe
// and ack. All keys of one channel share a hash tag.
//
// Claim relies on the server clock: ClaimRequest.Now is ignored and expiry is
// measured as idle time by XAUTOCLAIM.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

const keyPrefix = "courier:"

func streamKey(channel string) string { return keyPrefix + "{" + channel + "}:stream" }
func idsKey(channel string) string    { return keyPrefix + "{" + channel + "}:ids" }
func seqKey(channel string) string    { return keyPrefix + "{" + channel + "}:seq" }
func listKey(channel string) string   { return keyPrefix + "{" + channel + "}:list" }
func leaseKey(name string) string     { return keyPrefix + "lease:" + name }
func markKey(name string) string      { return keyPrefix + "mark:" + name }

var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
	return redis.error_reply('WRONGKIND')
end
if ARGV[1] ~= '' and redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return ARGV[1]
end
local seq = redis.call('INCR', KEYS[3])
local id = ARGV[1]
if id == '' then
	id = ARGV[4] .. '-' .. seq
end
local sid = '0-' .. seq
redis.call('XADD', KEYS[1], sid, 'id', id, 'type', ARGV[2], 'payload', ARGV[3], 'at', ARGV[4])
redis.call('HSET', KEYS[2], id, sid)
return id
`)

var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return redis.error_reply('WRONGKIND')
end
return redis.call('LPUSH', KEYS[1], ARGV[1])
`)

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Stream operations

func (s *RedisStore) Append(ctx context.Context, channel string, ev *types.Event) (string, error) {
	at := ev.EnqueuedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	keys := []string{streamKey(channel), idsKey(channel), seqKey(channel), listKey(channel)}
	id, err := appendScript.Run(ctx, s.client, keys, ev.ID, ev.Type, ev.Payload, at.UnixMilli()).Text()
	if err != nil {
		return "", s.wrapErr(channel, err)
	}
	return id, nil
}

func (s *RedisStore) ReadRange(ctx context.Context, channel string, fromOffset uint64, limit int) ([]*types.Event, error) {
	if err := s.checkStream(ctx, channel); err != nil {
		return nil, err
	}

	start := streamID(fromOffset)
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, streamKey(channel), start, "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, streamKey(channel), start, "+").Result()
	}
	if err != nil {
		return nil, s.wrapErr(channel, err)
	}

	return decodeMessages(channel, msgs), nil
}

// Trim removes entries below beforeOffset that every group has moved past.
// The id hash is kept so provider retries of trimmed events stay deduplicated.
func (s *RedisStore) Trim(ctx context.Context, channel string, beforeOffset uint64) (int, error) {
	if err := s.checkStream(ctx, channel); err != nil {
		return 0, err
	}

	key := streamKey(channel)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, s.wrapErr(channel, err)
	}
	if exists == 0 {
		return 0, nil
	}

	groups, err := s.client.XInfoGroups(ctx, key).Result()
	if err != nil {
		return 0, s.wrapErr(channel, err)
	}
	if len(groups) == 0 {
		return 0, nil
	}

	limit := beforeOffset
	for _, g := range groups {
		if cursor := parseOffset(g.LastDeliveredID); cursor+1 < limit {
			limit = cursor + 1
		}
		if g.Pending == 0 {
			continue
		}
		summary, err := s.client.XPending(ctx, key, g.Name).Result()
		if err != nil {
			return 0, s.wrapErr(channel, err)
		}
		if summary.Count > 0 {
			if lower := parseOffset(summary.Lower); lower < limit {
				limit = lower
			}
		}
	}

	removed, err := s.client.XTrimMinID(ctx, key, streamID(limit)).Result()
	if err != nil {
		return 0, s.wrapErr(channel, err)
	}
	return int(removed), nil
}

// List operations

func (s *RedisStore) Push(ctx context.Context, channel string, payload []byte) error {
	err := pushScript.Run(ctx, s.client, []string{listKey(channel), streamKey(channel)}, payload).Err()
	return s.wrapErr(channel, err)
}

func (s *RedisStore) Pop(ctx context.Context, channel string) ([]byte, error) {
	payload, err := s.client.RPop(ctx, listKey(channel)).Bytes()
	if errors.Is(err, redis.Nil) {
		if err := s.checkList(ctx, channel); err != nil {
			return nil, err
		}
		return nil, types.ErrChannelEmpty
	}
	if err != nil {
		return nil, s.wrapErr(channel, err)
	}
	return payload, nil
}

// Consumer group operations

func (s *RedisStore) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if err := s.checkStream(ctx, req.Channel); err != nil {
		return nil, err
	}

	key := streamKey(req.Channel)
	result := &ClaimResult{}

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, s.wrapErr(req.Channel, err)
	}
	if exists == 0 || req.MaxCount <= 0 {
		return result, nil
	}

	if err := s.ensureGroup(ctx, key, req.Group); err != nil {
		return nil, s.wrapErr(req.Channel, err)
	}

	// Expired claims
	start := "0-0"
	for len(result.Events) < req.MaxCount {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    req.Group,
			Consumer: req.Consumer,
			MinIdle:  req.VisibilityTimeout,
			Start:    start,
			Count:    int64(req.MaxCount - len(result.Events)),
		}).Result()
		if err != nil {
			return nil, s.wrapErr(req.Channel, err)
		}
		events := decodeMessages(req.Channel, msgs)
		result.Events = append(result.Events, events...)
		result.Reclaimed += len(events)
		if next == "0-0" || next == "" {
			break
		}
		start = next
	}

	// New entries past the group's last delivered id
	remaining := req.MaxCount - len(result.Events)
	if remaining <= 0 {
		return result, nil
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  []string{key, ">"},
		Count:    int64(remaining),
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.wrapErr(req.Channel, err)
	}
	for _, st := range streams {
		result.Events = append(result.Events, decodeMessages(req.Channel, st.Messages)...)
	}

	return result, nil
}

func (s *RedisStore) Ack(ctx context.Context, channel, group string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	vals, err := s.client.HMGet(ctx, idsKey(channel), ids...).Result()
	if err != nil {
		return 0, s.wrapErr(channel, err)
	}

	var sids []string
	for _, v := range vals {
		if sid, ok := v.(string); ok {
			sids = append(sids, sid)
		}
	}
	if len(sids) == 0 {
		return 0, nil
	}

	n, err := s.client.XAck(ctx, streamKey(channel), group, sids...).Result()
	if err != nil {
		// NOGROUP: nothing was ever claimed by this group
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, s.wrapErr(channel, err)
	}
	return int(n), nil
}

func (s *RedisStore) GroupState(ctx context.Context, channel, group string) (*types.GroupState, error) {
	if err := s.checkStream(ctx, channel); err != nil {
		return nil, err
	}

	state := &types.GroupState{Channel: channel, Group: group}
	key := streamKey(channel)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, s.wrapErr(channel, err)
	}
	if exists == 0 {
		return state, nil
	}

	groups, err := s.client.XInfoGroups(ctx, key).Result()
	if err != nil {
		return nil, s.wrapErr(channel, err)
	}
	found := false
	for _, g := range groups {
		if g.Name == group {
			state.Cursor = parseOffset(g.LastDeliveredID)
			found = true
		}
	}
	if !found {
		return state, nil
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  10000,
	}).Result()
	if err != nil {
		return nil, s.wrapErr(channel, err)
	}

	now := time.Now().UTC()
	for _, p := range pending {
		entryID := p.ID
		if msgs, err := s.client.XRangeN(ctx, key, p.ID, p.ID, 1).Result(); err == nil && len(msgs) == 1 {
			if id, ok := msgs[0].Values["id"].(string); ok {
				entryID = id
			}
		}
		state.Pending = append(state.Pending, &types.PendingEntry{
			EntryID:    entryID,
			Offset:     parseOffset(p.ID),
			Consumer:   p.Consumer,
			ClaimedAt:  now.Add(-p.Idle),
			Deliveries: int(p.RetryCount),
		})
	}

	return state, nil
}

// Utility

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context, channel string) (int, error) {
	n, err := s.client.LLen(ctx, listKey(channel)).Result()
	if err != nil {
		return 0, s.wrapErr(channel, err)
	}
	if n > 0 {
		return int(n), nil
	}
	n, err = s.client.XLen(ctx, streamKey(channel)).Result()
	if err != nil {
		return 0, s.wrapErr(channel, err)
	}
	return int(n), nil
}

func (s *RedisStore) Channels(ctx context.Context, kind types.ChannelKind, prefix string) ([]string, error) {
	var suffixes []string
	switch kind {
	case types.ChannelList:
		suffixes = []string{"}:list"}
	case types.ChannelStream:
		suffixes = []string{"}:stream"}
	default:
		suffixes = []string{"}:stream", "}:list"}
	}

	var names []string
	for _, suffix := range suffixes {
		iter := s.client.Scan(ctx, 0, keyPrefix+"{"+escapeGlob(prefix)+"*"+suffix, 100).Iterator()
		for iter.Next(ctx) {
			name := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), keyPrefix+"{"), suffix)
			names = append(names, name)
		}
		if err := iter.Err(); err != nil {
			return nil, s.wrapErr(prefix, err)
		}
	}

	sort.Strings(names)
	return names, nil
}

// Lease operations

func (s *RedisStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{leaseKey(name)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, s.wrapErr(name, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, name, holder string) error {
	err := releaseScript.Run(ctx, s.client, []string{leaseKey(name)}, holder).Err()
	return s.wrapErr(name, err)
}

// Marker operations

func (s *RedisStore) Mark(ctx context.Context, names []string, ttl time.Duration) error {
	if len(names) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range names {
			pipe.Set(ctx, markKey(name), 1, ttl)
		}
		return nil
	})
	return s.wrapErr("marks", err)
}

func (s *RedisStore) Marked(ctx context.Context, names []string) (map[string]bool, error) {
	marked := make(map[string]bool)
	if len(names) == 0 {
		return marked, nil
	}

	cmds := make([]*redis.IntCmd, len(names))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.Exists(ctx, markKey(name))
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapErr("marks", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			marked[names[i]] = true
		}
	}
	return marked, nil
}

// Helpers

func (s *RedisStore) ensureGroup(ctx context.Context, key, group string) error {
	err := s.client.XGroupCreate(ctx, key, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *RedisStore) checkStream(ctx context.Context, channel string) error {
	n, err := s.client.Exists(ctx, listKey(channel)).Result()
	if err != nil {
		return s.wrapErr(channel, err)
	}
	if n > 0 {
		return fmt.Errorf("stream operation on list channel %s: %w", channel, types.ErrWrongChannelKind)
	}
	return nil
}

func (s *RedisStore) checkList(ctx context.Context, channel string) error {
	n, err := s.client.Exists(ctx, streamKey(channel)).Result()
	if err != nil {
		return s.wrapErr(channel, err)
	}
	if n > 0 {
		return fmt.Errorf("list operation on stream channel %s: %w", channel, types.ErrWrongChannelKind)
	}
	return nil
}

func (s *RedisStore) wrapErr(channel string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "WRONGKIND") {
		return fmt.Errorf("channel %s: %w", channel, types.ErrWrongChannelKind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, channel, err)
}

func decodeMessages(channel string, msgs []redis.XMessage) []*types.Event {
	events := make([]*types.Event, 0, len(msgs))
	for _, m := range msgs {
		ev := &types.Event{
			Channel: channel,
			Offset:  parseOffset(m.ID),
		}
		ev.ID, _ = m.Values["id"].(string)
		ev.Type, _ = m.Values["type"].(string)
		if payload, ok := m.Values["payload"].(string); ok {
			ev.Payload = []byte(payload)
		}
		if at, ok := m.Values["at"].(string); ok {
			if ms, err := strconv.ParseInt(at, 10, 64); err == nil {
				ev.EnqueuedAt = time.UnixMilli(ms).UTC()
			}
		}
		events = append(events, ev)
	}
	return events
}

func streamID(offset uint64) string {
	return "0-" + strconv.FormatUint(offset, 10)
}

func parseOffset(id string) uint64 {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseUint(seq, 10, 64)
	return n
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return r.Replace(s)
}
