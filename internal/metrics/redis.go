package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamAdder is the slice of the redis client the sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// #region redis-sink

// RedisSink appends scalars to the stream runs:<experiment>:scalars so
// dashboards can follow a run live.
type RedisSink struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewRedisSink connects to addr and checks the server answers.
func NewRedisSink(ctx context.Context, addr, experiment string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisSink(client, experiment), nil
}

func newRedisSink(client streamAdder, experiment string) *RedisSink {
	return &RedisSink{
		client: client,
		stream: StreamKey(experiment),
		maxLen: 100000,
	}
}

// StreamKey is the stream a run's scalars are appended to.
func StreamKey(experiment string) string {
	return fmt.Sprintf("runs:%s:scalars", experiment)
}

func (r *RedisSink) Emit(ctx context.Context, name string, value float64, step int) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"name":  name,
			"value": strconv.FormatFloat(value, 'g', -1, 64),
			"step":  step,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

// #endregion redis-sink
