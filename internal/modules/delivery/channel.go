// README: Delivery channel: realtime first, push as backstop, outcome per recipient.
package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/types"
)

// Realtime is the live connection registry.
type Realtime interface {
	Send(userID types.ID, payload []byte) bool
	IsConnected(userID types.ID) bool
}

// TokenPruner removes push tokens the transport rejected permanently.
type TokenPruner interface {
	PrunePushToken(ctx context.Context, role types.Role, id types.ID, token string) error
}

type Stats struct {
	Realtime    int64 `json:"realtime"`
	Push        int64 `json:"push"`
	Undelivered int64 `json:"undelivered"`
	Pruned      int64 `json:"pruned"`
}

type Channel struct {
	realtime Realtime
	pusher   Pusher
	pruner   TokenPruner
	timeout  time.Duration
	log      *logrus.Entry

	realtimeN    atomic.Int64
	pushN        atomic.Int64
	undelivered  atomic.Int64
	prunedTokens atomic.Int64
}

// NewChannel wires the transports. pusher may be nil when push is not configured.
func NewChannel(realtime Realtime, pusher Pusher, log *logrus.Entry, timeout time.Duration) *Channel {
	return &Channel{
		realtime: realtime,
		pusher:   pusher,
		timeout:  timeout,
		log:      log.WithField("module", "delivery"),
	}
}

// SetPruner breaks the construction cycle with the registry.
func (c *Channel) SetPruner(p TokenPruner) { c.pruner = p }

func (c *Channel) Reachable(userID types.ID, pushToken string) bool {
	if c.realtime != nil && c.realtime.IsConnected(userID) {
		return true
	}
	return pushToken != "" && c.pusher != nil
}

// Notify sends in the background. The caller's context is not used so a
// finished request does not cancel the send.
func (c *Channel) Notify(to Recipient, e Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.Deliver(ctx, to, e)
	}()
}

func (c *Channel) NotifyAll(to []Recipient, e Event) {
	for _, r := range to {
		c.Notify(r, e)
	}
}

// Deliver tries both transports and returns the best outcome.
func (c *Channel) Deliver(ctx context.Context, to Recipient, e Event) Outcome {
	outcome := OutcomeUndelivered

	if c.realtime != nil {
		frame, err := e.frame()
		if err != nil {
			c.log.WithError(err).WithField("event", e.Type).Error("encode realtime frame")
		} else if c.realtime.Send(to.UserID, frame) {
			outcome = OutcomeRealtime
		}
	}

	if to.PushToken != "" && c.pusher != nil {
		err := c.pusher.Push(ctx, to.PushToken, e)
		switch {
		case err == nil:
			if outcome == OutcomeUndelivered {
				outcome = OutcomePush
			}
		case c.pusher.Permanent(err):
			c.prune(ctx, to)
		default:
			c.log.WithError(err).WithFields(logrus.Fields{"user_id": to.UserID, "event": e.Type}).Warn("push failed")
		}
	}

	switch outcome {
	case OutcomeRealtime:
		c.realtimeN.Add(1)
	case OutcomePush:
		c.pushN.Add(1)
	default:
		c.undelivered.Add(1)
	}
	c.log.WithFields(logrus.Fields{
		"user_id": to.UserID,
		"event":   e.Type,
		"trip_id": e.TripID,
		"outcome": outcome,
	}).Debug("delivery")
	return outcome
}

func (c *Channel) prune(ctx context.Context, to Recipient) {
	c.prunedTokens.Add(1)
	if c.pruner == nil {
		return
	}
	if err := c.pruner.PrunePushToken(ctx, to.Role, to.UserID, to.PushToken); err != nil {
		c.log.WithError(err).WithField("user_id", to.UserID).Warn("prune push token")
	}
}

func (c *Channel) Stats() Stats {
	return Stats{
		Realtime:    c.realtimeN.Load(),
		Push:        c.pushN.Load(),
		Undelivered: c.undelivered.Load(),
		Pruned:      c.prunedTokens.Load(),
	}
}
