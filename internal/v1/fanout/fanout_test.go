package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewServiceEmptyAddrIsSingleProcessMode(t *testing.T) {
	svc, err := NewService("", "")
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestNewServicePings(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishToRoomDeliversEnvelope(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	sub := svc.client.Subscribe(ctx, roomChannel(7))
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishToRoom(ctx, 7, 42, map[string]string{"foo": "bar"})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
	assert.Equal(t, int32(7), envelope.RoomID)
	assert.Equal(t, int32(42), envelope.SenderID)
}

func TestPublishToUserDeliversEnvelope(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	sub := svc.client.Subscribe(ctx, userChannel(9))
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishToUser(ctx, 9, "you-are-now-a-speaker")
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))
	assert.Equal(t, int32(9), envelope.UserID)
}

func TestSubscribeRoomInvokesHandler(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	svc.SubscribeRoom(ctx, 1, func(e Envelope) { received <- e })
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.PublishToRoom(ctx, 1, 5, "ping"))

	select {
	case e := <-received:
		assert.Equal(t, int32(1), e.RoomID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed message")
	}
}

func TestNilServiceMethodsAreNoops(t *testing.T) {
	var svc *Service

	assert.NoError(t, svc.PublishToRoom(context.Background(), 1, 1, "x"))
	assert.NoError(t, svc.PublishToUser(context.Background(), 1, "x"))
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
	svc.SubscribeRoom(context.Background(), 1, func(Envelope) {})
}
