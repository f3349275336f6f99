package alarm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// StreamSink appends events to a Redis stream.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
	owned  bool
}

// NewStreamSink dials addr and appends to stream, trimming it to maxLen
// entries (0 keeps everything).
func NewStreamSink(ctx context.Context, addr, password string, db int, stream string, maxLen int64) (*StreamSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("alarm: redis ping %s: %w", addr, err)
	}
	s := NewStreamSinkWithClient(client, stream, maxLen)
	s.owned = true
	return s, nil
}

// NewStreamSinkWithClient uses an existing client; Close leaves it open.
func NewStreamSinkWithClient(client *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = "fallguard:events"
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis" }

func (s *StreamSink) Send(ctx context.Context, ev Event) error {
	data, err := ev.JSON()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Values: map[string]interface{}{
			"id":           ev.ID,
			"device_id":    ev.DeviceID,
			"kind":         string(ev.Kind),
			"g_force_ms2":  strconv.FormatFloat(ev.GForceMS2, 'f', 3, 64),
			"impact_at_ms": strconv.FormatInt(ev.ImpactAtMs, 10),
			"at_ms":        strconv.FormatInt(ev.AtMs, 10),
			"data":         string(data),
		},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("alarm: xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *StreamSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
