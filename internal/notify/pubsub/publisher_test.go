package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
)

func TestPublisherNotify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "jobs-finished")
	require.NoError(t, err)
	pub := New(topic)
	t.Cleanup(pub.Stop)

	evt := notify.JobFinished{JobID: "job-1", Status: job.StatusCompleted, Items: 3}
	require.NoError(t, pub.Notify(ctx, evt))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	require.Equal(t, "completed", msgs[0].Attributes["status"])

	var got notify.JobFinished
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, evt.JobID, got.JobID)
	require.EqualValues(t, 3, got.Items)
}

func TestPublisherWithoutTopic(t *testing.T) {
	t.Parallel()

	err := New(nil).Notify(context.Background(), notify.JobFinished{JobID: "job-1"})
	require.Error(t, err)
}
