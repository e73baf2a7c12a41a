package broadcast

import (
	"context"
	"strings"

	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Transport names accepted by configuration
const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

// RoomPublisher is implemented by the websocket hub
type RoomPublisher interface {
	PublishToRoom(room string, message []byte) bool
}

// LocalTransport delivers frames to the hub of this process
type LocalTransport struct {
	hub RoomPublisher
}

// NewLocalTransport creates a transport over the local hub
func NewLocalTransport(hub RoomPublisher) *LocalTransport {
	return &LocalTransport{hub: hub}
}

func (t *LocalTransport) Publish(room string, frame []byte) {
	t.hub.PublishToRoom(room, frame)
}

const channelPrefix = "comms:room:"

type outboundFrame struct {
	room  string
	frame []byte
}

// RedisTransport fans frames out through Redis pub/sub so clients
// connected to any instance receive them. Frames published here come back
// through the subscription and reach the local hub from there.
type RedisTransport struct {
	rdb    *redis.Client
	hub    RoomPublisher
	outbox chan outboundFrame
	logger zerolog.Logger
}

// NewRedisTransport creates a transport; Run must be started for frames
// to flow
func NewRedisTransport(rdb *redis.Client, hub RoomPublisher, logger zerolog.Logger) *RedisTransport {
	return &RedisTransport{
		rdb:    rdb,
		hub:    hub,
		outbox: make(chan outboundFrame, 1024),
		logger: logger.With().Str("component", "redis_transport").Logger(),
	}
}

// Publish queues a frame without blocking
func (t *RedisTransport) Publish(room string, frame []byte) {
	select {
	case t.outbox <- outboundFrame{room: room, frame: frame}:
	default:
		metrics.Get().RecordBroadcastDropped()
		t.logger.Warn().Str("room", room).Msg("redis outbox full, dropping frame")
	}
}

// Run publishes queued frames and relays subscribed frames to the hub
// until ctx is cancelled
func (t *RedisTransport) Run(ctx context.Context) {
	sub := t.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	go t.publishLoop(ctx)

	ch := sub.Channel()
	t.logger.Info().Msg("redis broadcast transport started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			room := strings.TrimPrefix(msg.Channel, channelPrefix)
			t.hub.PublishToRoom(room, []byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-t.outbox:
			if err := t.rdb.Publish(ctx, channelPrefix+out.room, out.frame).Err(); err != nil {
				t.logger.Error().Err(err).Str("room", out.room).Msg("failed to publish frame")
			}
		}
	}
}
