// README: FCM push transport for delivery events.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

var pushTitles = map[string]string{
	EventTripRequest:    "New ride request",
	EventTripAccepted:   "Driver on the way",
	EventTripCancelled:  "Trip cancelled",
	EventDriverArrived:  "Your driver has arrived",
	EventTripCompleted:  "Trip completed",
	EventTripTimeout:    "No drivers available",
	EventRequestExpired: "Request expired",
	EventTripTaken:      "Request taken",
}

type Pusher interface {
	Push(ctx context.Context, token string, e Event) error
	// Permanent reports whether err means the token will never work again.
	Permanent(err error) bool
}

// FCMPusher sends data messages through Firebase Cloud Messaging.
type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(client *messaging.Client) *FCMPusher {
	return &FCMPusher{client: client}
}

func (p *FCMPusher) Push(ctx context.Context, token string, e Event) error {
	if token == "" {
		return fmt.Errorf("empty device token for %s", e.Type)
	}
	msg := &messaging.Message{
		Token: token,
		Data:  Flatten(e),
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if title, ok := pushTitles[e.Type]; ok {
		msg.Notification = &messaging.Notification{Title: title}
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("send fcm %s: %w", e.Type, err)
	}
	return nil
}

// Permanent walks the wrap chain; the messaging helpers only inspect the
// outermost error.
func (p *FCMPusher) Permanent(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return true
		}
	}
	return false
}
