package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chronocoders/indexnode/internal/domain"
)

func TestPublishIndexed(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	defer cluster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const topic = "indexnode.events.indexed"
	p, err := NewProducer(ctx, cluster.ListenAddrs(), topic, slog.Default())
	require.NoError(t, err)
	defer p.Close()

	ev := domain.BlockchainEvent{
		Chain:           "ethereum",
		ContractAddress: "0x1c7D4B196Cb023240166624b9c5291532634a66a",
		EventName:       "Transfer",
		BlockNumber:     19000000,
		TransactionHash: "0xabc",
		EventIndex:      3,
	}
	require.NoError(t, p.PublishIndexed(ctx, ev))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(cluster.ListenAddrs()...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.Len(t, records, 1)

	assert.Equal(t, []byte(ev.ContractAddress), records[0].Key)
	var got domain.BlockchainEvent
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	assert.Equal(t, ev.EventName, got.EventName)
	assert.Equal(t, ev.BlockNumber, got.BlockNumber)
	assert.Equal(t, ev.EventIndex, got.EventIndex)
}
