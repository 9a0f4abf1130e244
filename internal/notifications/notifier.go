package notifications

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes post-change messages into Redis channels. Every
// repository write fans out through here so that other instances (and the
// consistency observer) see store-subscription pushes regardless of which
// process performed the write.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishPostChange sends a post-change payload to the owning user's channel.
func (n *Notifier) PublishPostChange(ctx context.Context, userID uint, payload string) error {
	if n.rdb == nil {
		return nil
	}
	channel := fmt.Sprintf("posts:user:%d", userID)
	return n.rdb.Publish(ctx, channel, payload).Err()
}

// StartPatternSubscriber subscribes to pattern `posts:user:*` and calls
// onMessage for each incoming message. onMessage receives channel and payload.
func (n *Notifier) StartPatternSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "posts:user:*")
	ch := sub.Channel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("post subscriber panic: %v\n%s", r, debug.Stack())
			}
			_ = sub.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onMessage(msg.Channel, msg.Payload)
			}
		}
	}()

	return nil
}

// UserIDFromChannel parses the owning user id out of a posts:user:<id>
// channel name.
func UserIDFromChannel(channel string) (uint, bool) {
	var userID uint
	if _, err := fmt.Sscanf(channel, "posts:user:%d", &userID); err != nil {
		return 0, false
	}
	return userID, true
}
