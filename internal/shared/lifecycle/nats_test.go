package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSSinkDeliversThroughPublisher(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs, err := sub.SubscribeSync("relay.sessions")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink, err := NewNATSSink(NATSConfig{URL: srv.ClientURL(), Subject: "relay.sessions"}, zerolog.Nop())
	require.NoError(t, err)

	p := NewPublisher(sink, PublisherConfig{Workers: 1}, zerolog.Nop())
	stages := []Stage{StageAdmitted, StageRelaying, StageClosed}
	for _, st := range stages {
		p.Emit(Record{SessionID: "s1", Stage: st})
	}
	require.NoError(t, p.Stop())
	assert.Equal(t, int64(3), p.Published())

	// One worker publishes in emit order
	for _, want := range stages {
		msg, err := msgs.NextMsg(5 * time.Second)
		require.NoError(t, err)

		var r Record
		require.NoError(t, json.Unmarshal(msg.Data, &r))
		assert.Equal(t, "s1", r.SessionID)
		assert.Equal(t, want, r.Stage)
	}
}

func TestNATSSinkRejectsCancelledContext(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	sink, err := NewNATSSink(NATSConfig{URL: srv.ClientURL(), Subject: "relay.sessions"}, zerolog.Nop())
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, Record{SessionID: "s1"}), context.Canceled)
}

func TestNewNATSSinkRequiresSubject(t *testing.T) {
	_, err := NewNATSSink(NATSConfig{URL: nats.DefaultURL}, zerolog.Nop())
	assert.Error(t, err)
}
