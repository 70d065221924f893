package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/plurapp/ai-engine/pkg/logger"
)

const defaultKey = "ai_engine:jobs"

// Redis is a list-backed bus. Producers LPUSH serialized events; consumers
// BRPOP them. A popped event that fails mid-handling is lost from the list,
// which is why the requeue sweep re-publishes stale queued jobs.
type Redis struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

var _ Bus = (*Redis)(nil)

// NewRedis builds a bus over an existing client. An empty key selects the
// default list.
func NewRedis(client *redis.Client, key string, log *logger.Logger) *Redis {
	if key == "" {
		key = defaultKey
	}
	if log == nil {
		log = logger.NewDefault("queue")
	}
	return &Redis{client: client, key: key, log: log}
}

func (r *Redis) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := r.client.BRPop(ctx, 5*time.Second, r.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WithError(err).Warn("queue pop failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(res[1]), &evt); err != nil {
			r.log.WithError(err).Warn("dropping malformed job event")
			continue
		}
		if err := h(ctx, evt); err != nil {
			r.log.WithError(err).WithField("job_id", evt.JobID).Error("job event handler failed")
		}
	}
}
