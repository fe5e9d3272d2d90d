// Package redisroom implements room.Transport over Redis pub/sub. Each
// channel maps to a Redis pub/sub channel of the same name; presence is
// mirrored into the hash "<channel>:presence" so late joiners can read the
// member list before the first frame arrives.
//
// Every joined link refreshes its hash entry while it is open. Entries
// not refreshed within the presence TTL belong to a process that died
// without leaving; they are dropped from snapshots and pruned by the
// surviving members, which announce the leave on the ghost's behalf.
package redisroom

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"collabtext/codec"
	"collabtext/room"
)

// DefaultPresenceTTL is how long a presence entry outlives its last
// refresh.
const DefaultPresenceTTL = 30 * time.Second

// Transport opens rooms on a shared Redis client.
type Transport struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

var _ room.Transport = (*Transport)(nil)

type Option func(*Transport)

// WithPresenceTTL replaces DefaultPresenceTTL. Entries are refreshed
// every third of it.
func WithPresenceTTL(d time.Duration) Option {
	return func(t *Transport) { t.ttl = d }
}

// WithClock replaces time.Now for presence timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

func New(client *redis.Client, logger *slog.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{client: client, logger: logger, ttl: DefaultPresenceTTL, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	if t.ttl <= 0 {
		t.ttl = DefaultPresenceTTL
	}
	return t
}

// Close closes the underlying Redis client.
func (t *Transport) Close() error {
	return t.client.Close()
}

func presenceKey(channel string) string {
	return channel + ":presence"
}

// presenceEntry is the value stored per member in the presence hash.
type presenceEntry struct {
	Participant room.Participant `cbor:"1,keyasint"`
	Seen        int64            `cbor:"2,keyasint"`
}

func (t *Transport) Connect(ctx context.Context, channel string, self room.Participant) (room.Room, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so nothing published after
	// Connect returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redisroom: subscribing to %s: %w", channel, err)
	}

	members, _, err := t.members(ctx, channel)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	logger := t.logger.With("channel", channel, "participant", self.ID)
	done := make(chan struct{})
	stop := make(chan struct{})
	beating := make(chan struct{})
	link := room.NewLink(self, func(ctx context.Context, f room.Frame) error {
		return t.publish(ctx, channel, f)
	}, func() error {
		close(stop)
		<-beating
		err := pubsub.Close()
		<-done
		return err
	})

	snapshot := room.NewFrame(room.FramePresenceSync, self)
	snapshot.Members = members
	link.Deliver(snapshot)

	// Relay messages from Redis to the room's handlers.
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			f, err := room.DecodeFrame([]byte(msg.Payload))
			if err != nil {
				logger.Warn("dropping undecodable frame", "error", err)
				continue
			}
			link.Deliver(f)
		}
	}()

	go func() {
		defer close(beating)
		t.heartbeat(channel, link, stop, logger)
	}()

	logger.Debug("connected to redis channel", "members", len(members))
	return link, nil
}

// heartbeat keeps the link's presence entry fresh and prunes members
// whose entries went stale.
func (t *Transport) heartbeat(channel string, link *room.Link, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.ttl/3)
		if link.Joined() {
			if err := t.record(ctx, channel, link.Self()); err != nil {
				logger.Warn("refreshing presence", "error", err)
			}
		}
		if err := t.prune(ctx, channel); err != nil {
			logger.Warn("pruning presence", "error", err)
		}
		cancel()
	}
}

// record writes p's presence entry and extends the hash's lifetime.
func (t *Transport) record(ctx context.Context, channel string, p room.Participant) error {
	value, err := codec.Marshal(presenceEntry{Participant: p, Seen: t.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("redisroom: encoding participant: %w", err)
	}
	key := presenceKey(channel)
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p.ID, value)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisroom: recording presence of %s: %w", p.ID, err)
	}
	return nil
}

// prune removes stale entries. The member whose HDEL wins publishes the
// leave so each ghost is announced once.
func (t *Transport) prune(ctx context.Context, channel string) error {
	_, stale, err := t.members(ctx, channel)
	if err != nil {
		return err
	}
	for _, p := range stale {
		n, err := t.client.HDel(ctx, presenceKey(channel), p.ID).Result()
		if err != nil {
			return fmt.Errorf("redisroom: removing presence of %s: %w", p.ID, err)
		}
		if n == 0 {
			continue
		}
		t.logger.Info("pruned stale member", "channel", channel, "member", p.ID)
		data, err := room.EncodeFrame(room.NewFrame(room.FramePresenceLeave, p))
		if err != nil {
			return err
		}
		if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("redisroom: publishing to %s: %w", channel, err)
		}
	}
	return nil
}

func (t *Transport) publish(ctx context.Context, channel string, f room.Frame) error {
	data, err := room.EncodeFrame(f)
	if err != nil {
		return err
	}

	switch f.Kind {
	case room.FramePresenceJoin, room.FramePresenceUpdate:
		if err := t.record(ctx, channel, f.From); err != nil {
			return err
		}
	case room.FramePresenceLeave:
		if err := t.client.HDel(ctx, presenceKey(channel), f.From.ID).Err(); err != nil {
			return fmt.Errorf("redisroom: removing presence of %s: %w", f.From.ID, err)
		}
	}

	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redisroom: publishing to %s: %w", channel, err)
	}
	return nil
}

// members splits the presence hash into live and stale entries.
func (t *Transport) members(ctx context.Context, channel string) (live, stale []room.Participant, err error) {
	raw, err := t.client.HGetAll(ctx, presenceKey(channel)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redisroom: reading presence of %s: %w", channel, err)
	}
	cutoff := t.now().Add(-t.ttl).UnixMilli()
	live = make([]room.Participant, 0, len(raw))
	for id, value := range raw {
		var e presenceEntry
		if err := codec.Unmarshal([]byte(value), &e); err != nil {
			t.logger.Warn("skipping undecodable presence entry", "channel", channel, "id", id, "error", err)
			continue
		}
		if e.Seen < cutoff {
			stale = append(stale, e.Participant)
			continue
		}
		live = append(live, e.Participant)
	}
	return live, stale, nil
}
