package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inkwell/api/internal/logging"
)

const channelPrefix = "inkwell:doc:"

type envelope struct {
	Instance string `json:"instance"`
	Change   Change `json:"change"`
}

// RedisRelay carries document changes between API instances over Redis
// pub/sub.
type RedisRelay struct {
	client   *redis.Client
	instance string
}

func NewRedisRelay(client *redis.Client, instance string) *RedisRelay {
	return &RedisRelay{client: client, instance: instance}
}

func (r *RedisRelay) channel(documentID string) string {
	return channelPrefix + documentID
}

// Publish sends change to every other instance.
func (r *RedisRelay) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(envelope{Instance: r.instance, Change: change})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(change.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Run delivers changes published by other instances to apply until ctx is
// done.
func (r *RedisRelay) Run(ctx context.Context, apply func(Change)) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe document changes: %w", err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logging.L().Warn("drop malformed document change", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			if env.Change.DocumentID == "" {
				env.Change.DocumentID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			apply(env.Change)
		}
	}
}
