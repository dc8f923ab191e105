// Package publisher pushes quotes and discovered candidates onto Redis
// streams for downstream consumers.
package publisher

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
)

// Publisher receives successful outcomes.
type Publisher interface {
	Publish(ctx context.Context, runID string, o model.Outcome) error
	Close() error
}

// Stream names are suffixed to the configured prefix.
const (
	QuoteStream     = "quotes"
	CandidateStream = "candidates"
)

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPublisher implements Publisher with Redis streams. Each quote and
// each candidate becomes one stream entry holding its JSON encoding.
type RedisPublisher struct {
	client       streamClient
	streamPrefix string
	maxLen       int64
}

// RedisConfig configures the stream publisher.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	DB           int    `mapstructure:"db"`
	Password     string `mapstructure:"password"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLen       int64  `mapstructure:"max_len"`
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	p := newRedisPublisher(client, cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "publisher: ping redis %s", cfg.Addr)
	}
	return p, nil
}

func newRedisPublisher(client streamClient, cfg RedisConfig) *RedisPublisher {
	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "pricescout"
	}
	return &RedisPublisher{client: client, streamPrefix: prefix, maxLen: cfg.MaxLen}
}

// Stream returns the full stream key for a kind.
func (p *RedisPublisher) Stream(kind string) string {
	return p.streamPrefix + ":" + kind
}

// Publish writes the outcome's quote and candidates. Failed outcomes are
// ignored.
func (p *RedisPublisher) Publish(ctx context.Context, runID string, o model.Outcome) error {
	if !o.Succeeded() {
		return nil
	}
	if o.Quote != nil {
		if err := p.add(ctx, QuoteStream, runID, o.Target.RetailerID, o.Target.Key(), o.Quote); err != nil {
			return err
		}
	}
	for _, c := range o.Candidates {
		if err := p.add(ctx, CandidateStream, runID, c.RetailerID, c.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (p *RedisPublisher) add(ctx context.Context, kind, runID, retailer, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "publisher: encode %s %s", kind, key)
	}
	args := &redis.XAddArgs{
		Stream: p.Stream(kind),
		Values: map[string]any{
			"run_id":   runID,
			"retailer": retailer,
			"key":      key,
			"payload":  string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return eris.Wrapf(err, "publisher: xadd %s", args.Stream)
	}
	zap.L().Debug("publisher: entry added",
		zap.String("stream", args.Stream),
		zap.String("id", id),
		zap.String("key", key),
	)
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
