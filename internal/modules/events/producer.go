// README: Publishes trip state changes to Kafka, keyed by trip id so each trip's events stay ordered.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

// Message is the wire body consumed by the notification store.
type Message struct {
	TripID  types.ID    `json:"tripId"`
	From    trip.Status `json:"from"`
	To      trip.Status `json:"to"`
	Actor   Actor       `json:"actor"`
	Version int         `json:"version"`
	At      time.Time   `json:"at"`
}

type Actor struct {
	Type types.Role `json:"type"`
	ID   *types.ID  `json:"id,omitempty"`
}

func messageFor(e trip.StateEvent) Message {
	return Message{
		TripID:  e.TripID,
		From:    e.FromStatus,
		To:      e.ToStatus,
		Actor:   Actor{Type: e.ActorType, ID: e.ActorID},
		Version: e.Version,
		At:      e.CreatedAt.UTC(),
	}
}

type Producer struct {
	Producer sarama.SyncProducer
	Topic    string
	Log      *logrus.Entry
}

func NewProducer(producer sarama.SyncProducer, topic string, log *logrus.Entry) *Producer {
	return &Producer{Producer: producer, Topic: topic, Log: log.WithField("module", "events")}
}

// Publish sends e and logs, rather than returns, any failure.
func (p *Producer) Publish(_ context.Context, e trip.StateEvent) {
	value, err := json.Marshal(messageFor(e))
	if err != nil {
		p.Log.WithError(err).WithField("trip_id", e.TripID).Error("marshal trip event")
		return
	}
	partition, offset, err := p.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.Topic,
		Key:   sarama.StringEncoder(e.TripID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		p.Log.WithError(err).WithFields(logrus.Fields{"trip_id": e.TripID, "to": e.ToStatus}).Warn("publish trip event")
		return
	}
	p.Log.WithFields(logrus.Fields{
		"trip_id":   e.TripID,
		"to":        e.ToStatus,
		"partition": partition,
		"offset":    offset,
	}).Debug("trip event published")
}

func (p *Producer) Close() error {
	return p.Producer.Close()
}
