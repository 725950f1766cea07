package usersession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// redisEventKind discriminates the two events published on the shared
// channel (spec §4.G step 6/7: "broadcast to peer instances").
type redisEventKind string

const (
	eventLoggedOut   redisEventKind = "logged_out"
	eventSessionSync redisEventKind = "session_sync"
)

type redisEvent struct {
	Kind     redisEventKind `json:"kind"`
	Origin   string         `json:"origin,omitempty"`
	Reason   DestroyReason  `json:"reason,omitempty"`
	ServerID string         `json:"serverId,omitempty"`
	Sessions []LocalSession `json:"sessions,omitempty"`
}

// RedisPublisher implements Publisher over a go-redis Pub/Sub channel,
// grounded on other_examples/abramin-Credo's *redis.Client usage pattern
// (here exercising Publish/Subscribe rather than Credo's key-value calls).
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisPublisher constructs a RedisPublisher against host:port, publishing
// and subscribing on channel.
func NewRedisPublisher(host string, port int, channel string, log *slog.Logger) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr: addr(host, port),
		}),
		channel: channel,
		log:     log,
	}
}

func addr(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// PublishLoggedOut implements Publisher.
func (p *RedisPublisher) PublishLoggedOut(origin string, reason DestroyReason, serverID string) {
	p.publish(redisEvent{Kind: eventLoggedOut, Origin: origin, Reason: reason, ServerID: serverID})
}

// PublishSessionSync implements Publisher.
func (p *RedisPublisher) PublishSessionSync(sessions []LocalSession) {
	p.publish(redisEvent{Kind: eventSessionSync, Sessions: sessions})
}

func (p *RedisPublisher) publish(ev redisEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("usersession.publish.encode_fail", "err", err)
		return
	}
	if err := p.client.Publish(context.Background(), p.channel, b).Err(); err != nil {
		p.log.Error("usersession.publish.fail", "err", err, "kind", ev.Kind)
	}
}

// Subscribe starts a background goroutine delivering peer-instance events to
// manager.OnRemoteLogout until ctx is cancelled. Session-sync events are
// logged only; zerv does not replicate peer Local Sessions into its own map
// (spec §4.G leaves cluster-wide session visibility to Component B/cache).
func (p *RedisPublisher) Subscribe(ctx context.Context, manager *Manager) {
	sub := p.client.Subscribe(ctx, p.channel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev redisEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.log.Info("usersession.subscribe.bad_payload", "err", err)
					continue
				}
				switch ev.Kind {
				case eventLoggedOut:
					manager.OnRemoteLogout(ctx, ev.Origin, ev.Reason, ev.ServerID)
				case eventSessionSync:
					p.log.Info("usersession.subscribe.session_sync", "count", len(ev.Sessions))
				}
			}
		}
	}()
}

// Close releases the underlying Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
