// Package fanout relays room frames between server instances so clients of
// one object can be spread over several nodes.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"collab-blocks/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// Fanout publishes frames of a room to the other instances.
type Fanout interface {
	Publish(ctx context.Context, room string, frame []byte) error
	// Subscribe calls fn for every frame another instance publishes to
	// room, until the returned func is called.
	Subscribe(ctx context.Context, room string, fn func(frame []byte)) (func(), error)
	Close() error
}

// Local is the single node Fanout: nothing leaves the process.
type Local struct{}

func (Local) Publish(context.Context, string, []byte) error { return nil }

func (Local) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}

func (Local) Close() error { return nil }

type envelope struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

func encode(origin string, frame []byte) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Frame: frame})
}

func decode(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, err
	}
	if e.Origin == "" {
		return envelope{}, errors.New("envelope without origin")
	}
	return e, nil
}

// Redis relays frames over Redis pub/sub, one channel per room. Frames an
// instance published itself are not delivered back to it.
type Redis struct {
	client   *redis.Client
	instance string
	prefix   string
	log      logging.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

func NewRedis(client *redis.Client, instance string, log logging.Logger) *Redis {
	if log == nil {
		log = logging.Nop()
	}
	return &Redis{
		client:   client,
		instance: instance,
		prefix:   "collab:room:",
		log:      log,
		subs:     map[*redis.PubSub]struct{}{},
	}
}

func (r *Redis) channel(room string) string { return r.prefix + room }

func (r *Redis) Publish(ctx context.Context, room string, frame []byte) error {
	data, err := encode(r.instance, frame)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(room), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, room string, fn func([]byte)) (func(), error) {
	sub := r.client.Subscribe(ctx, r.channel(room))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", room, err)
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			e, err := decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn(context.Background(), "dropping fanout message", "room", room, "err", err)
				continue
			}
			if e.Origin == r.instance {
				continue
			}
			fn(e.Frame)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
			sub.Close()
		})
	}, nil
}

// Close ends every subscription. The client is owned by the caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for sub := range r.subs {
		errs = append(errs, sub.Close())
	}
	r.subs = map[*redis.PubSub]struct{}{}
	return errors.Join(errs...)
}
