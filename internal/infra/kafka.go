// README: Kafka producer initialisation (IBM/sarama).
package infra

import (
	"fmt"

	"github.com/IBM/sarama"
)

// NewKafkaProducer returns a synchronous producer that waits for the leader
// ack, so a trip's events keep their per-key order.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("sarama.NewSyncProducer: %w", err)
	}
	return producer, nil
}
