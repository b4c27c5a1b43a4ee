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

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

type record struct {
	URL  string `json:"url"`
	Host string `json:"-"`
}

func (r record) Attributes() map[string]string {
	return map[string]string{"host": r.Host}
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "crawl-records")
	require.NoError(t, err)

	pub := New(client)
	defer pub.Stop()
	require.NoError(t, pub.Verify(ctx, "crawl-records"))

	id, err := pub.Publish(ctx, "crawl-records", record{URL: "https://example.com/", Host: "example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "https://example.com/", got.URL)
	require.Equal(t, "example.com", msgs[0].Attributes["host"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx := context.Background()
	pub := New(client)
	defer pub.Stop()

	require.Error(t, pub.Verify(ctx, "missing"))
	_, err := pub.Publish(ctx, "", "x")
	require.Error(t, err)
	_, err = pub.Publish(ctx, "missing", "x")
	require.Error(t, err)

	_, err = New(nil).Publish(ctx, "topic", "x")
	require.Error(t, err)
}
