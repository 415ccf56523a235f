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
)

type notice struct {
	JobID    string `json:"job_id"`
	SurferID string `json:"surfer_id"`
	Year     int    `json:"year"`
}

func (n notice) Attributes() map[string]string {
	return map[string]string{"job_id": n.JobID, "surfer_id": n.SurferID}
}

func (n notice) OrderingKey() string { return n.JobID }

func newTestTopic(t *testing.T, ordered bool) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "harvest-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "surfer-results")
	require.NoError(t, err)
	topic.EnableMessageOrdering = ordered
	return topic, srv
}

func TestPublishCarriesAttributesAndOrderingKey(t *testing.T) {
	t.Parallel()

	topic, srv := newTestTopic(t, true)
	pub := New(topic)
	t.Cleanup(pub.Stop)

	id, err := pub.Publish(context.Background(), "surfer-results", notice{JobID: "job-1", SurferID: "adur-amatriain", Year: 2023})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	require.Equal(t, "job-1", msgs[0].OrderingKey)

	var body notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, 2023, body.Year)
}

func TestPublishPlainPayload(t *testing.T) {
	t.Parallel()

	topic, srv := newTestTopic(t, false)
	pub := New(topic)
	t.Cleanup(pub.Stop)

	_, err := pub.Publish(context.Background(), "surfer-results", map[string]any{"status": "done"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].Attributes)
	require.Empty(t, msgs[0].OrderingKey)
	require.JSONEq(t, `{"status":"done"}`, string(msgs[0].Data))
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "surfer-results", map[string]any{})
	require.ErrorIs(t, err, errNoTopic)
}

func TestMessageRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	_, err := message(make(chan int), false)
	require.ErrorContains(t, err, "marshal payload")
}

func TestMessageIgnoresOrderingWhenDisabled(t *testing.T) {
	t.Parallel()

	msg, err := message(notice{JobID: "job-9"}, false)
	require.NoError(t, err)
	require.Empty(t, msg.OrderingKey)
	require.Equal(t, "job-9", msg.Attributes["job_id"])
}
