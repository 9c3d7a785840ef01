package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis channel suffixes. The client publishes on the request channel and
// listens on the reply channel; the controller side does the opposite.
const (
	RequestChannelSuffix = ".requests"
	ReplyChannelSuffix   = ".replies"
)

// RequestChannel returns the channel the client publishes frames on.
func RequestChannel(prefix string) string {
	return prefix + RequestChannelSuffix
}

// ReplyChannel returns the channel the client receives frames on.
func ReplyChannel(prefix string) string {
	return prefix + ReplyChannelSuffix
}

// NewRedis creates a client that exchanges frames through Redis pub/sub,
// one message per frame, for deployments where the controller sits behind
// a message broker.
func NewRedis(config Config) *Client {
	if config.RedisChannel == "" {
		config.RedisChannel = DefaultConfig().RedisChannel
	}

	return newClient(KindRedis, config, dialRedis)
}

type redisLink struct {
	client      *redis.Client
	pubsub      *redis.PubSub
	publishTo   string
	readTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func dialRedis(ctx context.Context, address string, port int, config Config) (link, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(address, strconv.Itoa(port)),
		Password:    config.RedisPassword,
		DB:          config.RedisDB,
		DialTimeout: config.ConnectionTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	pubsub := client.Subscribe(ctx, ReplyChannel(config.RedisChannel))
	// wait for the subscription confirmation so no reply is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	return &redisLink{
		client:      client,
		pubsub:      pubsub,
		publishTo:   RequestChannel(config.RedisChannel),
		readTimeout: config.ReadTimeout,
		ctx:         lctx,
		cancel:      cancel,
	}, nil
}

func (l *redisLink) ReadFrame() ([]byte, error) {
	for {
		msg, err := l.receive()
		if err != nil {
			if errors.Is(l.ctx.Err(), context.Canceled) {
				return nil, net.ErrClosed
			}
			return nil, err
		}

		if msg.Payload == "" {
			continue
		}

		return []byte(msg.Payload), nil
	}
}

func (l *redisLink) receive() (*redis.Message, error) {
	ctx := l.ctx
	if l.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.readTimeout)
		defer cancel()
	}

	return l.pubsub.ReceiveMessage(ctx)
}

func (l *redisLink) WriteFrame(ctx context.Context, data []byte) error {
	return l.client.Publish(ctx, l.publishTo, data).Err()
}

func (l *redisLink) Close() error {
	l.cancel()
	return errors.Join(l.pubsub.Close(), l.client.Close())
}
