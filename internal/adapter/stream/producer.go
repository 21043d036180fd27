// Package stream publishes indexed blockchain events to Kafka so that
// downstream consumers can follow the index without polling Postgres.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

// Producer writes indexed events to a single topic keyed by contract
// address, so per-contract ordering is preserved within a partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to brokers and ensures topic exists. Topic
// creation is best-effort: brokers with auto-create enabled or a
// pre-provisioned topic both work without it.
func NewProducer(ctx context.Context, brokers []string, topic string, log *slog.Logger) (*Producer, error) {
	tracers := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.WithHooks(tracers.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=stream.new: %w", err)
	}

	p := &Producer{client: client, topic: topic}
	if err := p.ensureTopic(ctx); err != nil {
		log.Warn("topic ensure failed, relying on broker auto-create",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return p, nil
}

func (p *Producer) ensureTopic(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := kmsg.NewCreateTopicsRequest()
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = p.topic
	t.NumPartitions = -1
	t.ReplicationFactor = -1
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, p.client)
	if err != nil {
		return err
	}
	for _, rt := range resp.Topics {
		// 36 = TOPIC_ALREADY_EXISTS, which is the steady state.
		if rt.ErrorCode != 0 && rt.ErrorCode != 36 {
			return fmt.Errorf("create topic %s: error code %d", rt.Topic, rt.ErrorCode)
		}
	}
	return nil
}

// PublishIndexed emits one indexed event. Delivery is awaited so the
// caller's at-least-once loop can retry on failure.
func (p *Producer) PublishIndexed(ctx context.Context, ev domain.BlockchainEvent) error {
	tracer := otel.Tracer("stream.producer")
	ctx, span := tracer.Start(ctx, "stream.PublishIndexed")
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=stream.publish: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.ContractAddress),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=stream.publish: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Close flushes pending records and releases the client.
func (p *Producer) Close() {
	_ = p.client.Flush(context.Background())
	p.client.Close()
}
