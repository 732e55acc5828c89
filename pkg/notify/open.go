package notify

import (
	"fmt"
	"strings"
)

// Options selects the sinks a service publishes to. Empty fields disable a sink.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisStream   string
	AMQPURL       string
	AMQPExchange  string
}

// Open builds the publisher for opts. The returned close function releases
// every sink that was opened and is never nil.
func Open(opts Options) (Publisher, func(), error) {
	var (
		sinks   []Publisher
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if strings.TrimSpace(opts.RedisStream) != "" {
		p, err := NewRedisStreamPublisher(RedisStreamConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			Stream:   opts.RedisStream,
		})
		if err != nil {
			return nil, closeAll, fmt.Errorf("redis stream publisher: %w", err)
		}
		sinks = append(sinks, p)
		closers = append(closers, p.Close)
	}
	if strings.TrimSpace(opts.AMQPURL) != "" {
		p, err := NewAMQPPublisher(opts.AMQPURL, opts.AMQPExchange)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("amqp publisher: %w", err)
		}
		sinks = append(sinks, p)
		closers = append(closers, p.Close)
	}
	return Combine(sinks...), closeAll, nil
}
