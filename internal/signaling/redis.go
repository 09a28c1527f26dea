package signaling

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions for NewRedis.
type RedisOptions struct {
	Log    *zap.Logger
	Client *redis.Client
	// Channel is pub/sub channel shared by agents.
	Channel string
	// Name of agent, messages from same name are skipped.
	Name string
}

// Redis is Signaler over redis pub/sub channel.
type Redis struct {
	log     *zap.Logger
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	name    string
}

// NewRedis subscribes to channel and returns Redis signaler.
func NewRedis(ctx context.Context, o RedisOptions) (*Redis, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Channel == "" {
		o.Channel = "iced"
	}
	ps := o.Client.Subscribe(ctx, o.Channel)
	// Wait for confirmation, otherwise messages published right after
	// return can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.Wrap(err, "failed to subscribe")
	}
	l := o.Log.Named("signaling").With(zap.String("channel", o.Channel))
	l.Info("subscribed")
	return &Redis{
		log:     l,
		client:  o.Client,
		pubsub:  ps,
		channel: o.Channel,
		name:    o.Name,
	}, nil
}

// Send implements Signaler.
func (r *Redis) Send(ctx context.Context, m Message) error {
	m.From = r.name
	buf, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to encode")
	}
	if err = r.client.Publish(ctx, r.channel, buf).Err(); err != nil {
		return errors.Wrap(err, "failed to publish")
	}
	return nil
}

// Receive implements Signaler.
func (r *Redis) Receive(ctx context.Context) (Message, error) {
	for {
		msg, err := r.pubsub.ReceiveMessage(ctx)
		if err != nil {
			return Message{}, errors.Wrap(err, "failed to receive")
		}
		var m Message
		if err = json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			r.log.Warn("failed to decode message", zap.Error(err))
			continue
		}
		if m.From == r.name {
			continue
		}
		return m, nil
	}
}

// Close implements Signaler. Client is not closed.
func (r *Redis) Close() error { return r.pubsub.Close() }
