package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/collab-audio/roomcore/internal/v1/fanout"
	"github.com/collab-audio/roomcore/internal/v1/fetch"
	"github.com/collab-audio/roomcore/internal/v1/reqhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomhandler"
	"github.com/collab-audio/roomcore/internal/v1/roomstate"
	"github.com/collab-audio/roomcore/internal/v1/store"
	"github.com/collab-audio/roomcore/internal/v1/voicebus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*Router, *roomstate.ServerState) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	g := store.NewGateway(db)
	require.NoError(t, g.AutoMigrate())

	state := roomstate.NewServerState()
	var bus *voicebus.Bus
	var fan *fanout.Service
	room := roomhandler.New(state, g, bus, fan, zap.NewNop())
	req := reqhandler.New(state, fetch.New(g), room, bus, zap.NewNop())
	return New(req, zap.NewNop()), state
}

func TestRouteUnknownOpCodeIsInvalidRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	resp := router.Route(context.Background(), 1, []byte(`{"request_op_code":"not_a_real_opcode","request_containing_data":"{}"}`))
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestRouteMalformedEnvelopeIsInvalidRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	resp := router.Route(context.Background(), 1, []byte(`not json at all`))
	require.Equal(t, "invalid_request", resp.ResponseOpCode)
}

func TestRouteCreateRoomDispatchesToHandler(t *testing.T) {
	router, state := newTestRouter(t)
	state.AddActiveUser(&roomstate.User{UserId: 1, CurrentRoomId: -1})

	resp := router.Route(context.Background(), 1, []byte(`{"request_op_code":"create_room","request_containing_data":"{\"name\":\"room\",\"desc\":\"\",\"public\":true}"}`))
	require.Equal(t, "room_created", resp.ResponseOpCode)
}

func TestRouteGetTopRoomsDispatchesWithoutPayload(t *testing.T) {
	router, _ := newTestRouter(t)
	resp := router.Route(context.Background(), 1, []byte(`{"request_op_code":"get_top_rooms","request_containing_data":""}`))
	require.Equal(t, "top_rooms", resp.ResponseOpCode)
}
