package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

func newTestPublisher(t *testing.T) (*Publisher, *kfake.Cluster) {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	p, err := NewPublisher(cluster.ListenAddrs(), "admission-events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, cluster
}

func TestPublisher_PublishDeliversRecord(t *testing.T) {
	p, cluster := newTestPublisher(t)

	p.Publish(context.Background(), domain.AdmissionEvent{
		SessionHash: "hash-1",
		AccountID:   "acct-A",
		Outcome:     "granted",
		OccurredAt:  time.Now(),
	})
	require.NoError(t, p.client.Flush(context.Background()))

	consumeClient, err := kgo.NewClient(
		kgo.SeedBrokers(cluster.ListenAddrs()...),
		kgo.ConsumeTopics("admission-events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumeClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetches := consumeClient.PollFetches(ctx)
	require.NoError(t, fetches.Err0())
	records := fetches.Records()
	require.Len(t, records, 1)

	var ev wireEvent
	require.NoError(t, json.Unmarshal(records[0].Value, &ev))
	require.Equal(t, "hash-1", ev.SessionHash)
	require.Equal(t, "granted", ev.Outcome)
}

func TestPublisher_PublishDoesNotBlockOnBrokerClose(t *testing.T) {
	p, cluster := newTestPublisher(t)
	cluster.Close()

	done := make(chan struct{})
	go func() {
		p.Publish(context.Background(), domain.AdmissionEvent{SessionHash: "hash-2", Outcome: "granted"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on unreachable broker")
	}
}
