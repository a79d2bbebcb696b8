package buffer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/substrate-relay/internal/metrics"
	"github.com/adred-codev/substrate-relay/internal/model"
)

// KafkaNotifier publishes one BatchEvent per successful flush so
// downstream consumers (billing, long-horizon analytics) can observe
// ingest activity without reading the core's internal state directly
// (SPEC_FULL.md §3 BatchEvent).
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

func NewKafkaNotifier(brokers string, topic string, logger zerolog.Logger) (*KafkaNotifier, error) {
	seeds := strings.Split(brokers, ",")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaNotifier{client: client, topic: topic, logger: logger}, nil
}

// Publish is best-effort and asynchronous: a publish failure is logged
// and never affects the batch insert it describes (SPEC_FULL.md §4.2).
func (n *KafkaNotifier) Publish(ev model.BatchEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to marshal batch event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	record := &kgo.Record{Topic: n.topic, Value: payload}
	n.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Msg("failed to publish batch event")
			return
		}
		metrics.KafkaBatchEventsPublishedTotal.Inc()
	})
}

func (n *KafkaNotifier) Close() {
	n.client.Close()
}
