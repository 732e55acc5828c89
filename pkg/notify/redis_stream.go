package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

func NewRedisStreamPublisher(cfg RedisStreamConfig) (*RedisStreamPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisStreamPublisherWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg.Stream, cfg.MaxLen), nil
}

func NewRedisStreamPublisherWithClient(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = "balungpisah:report-events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, evt Event) error {
	evt = stamp(evt)
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":      evt.Type,
			"report_id": evt.ReportID,
			"payload":   string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s to redis stream: %w", evt.Type, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
