package notify

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "durableflow:ready:"

// Redis relays notifications between server replicas over redis pub/sub and
// delivers them locally through an embedded Local.
type Redis struct {
	*Local
	client redis.UniversalClient
	log    zerolog.Logger
}

func NewRedis(client redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{
		Local:  NewLocal(),
		client: client,
		log:    logger.With().Str("component", "notifier").Logger(),
	}
}

// publishTimeout bounds a background publish.
const publishTimeout = 500 * time.Millisecond

// Notify wakes local subscribers at once and publishes to the other replicas
// in the background. It never blocks on redis.
func (r *Redis) Notify(queue string) {
	r.Local.Notify(queue)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.client.Publish(ctx, channelPrefix+queue, "1").Err(); err != nil {
			r.log.Warn().Err(err).Str("queue", queue).Msg("publish ready notification")
		}
	}()
}

// Run relays remote notifications until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info().Msg("notifier subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.Local.Notify(strings.TrimPrefix(msg.Channel, channelPrefix))
		}
	}
}
