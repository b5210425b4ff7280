package websocket

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/featureflag"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestWorlds(t *testing.T) *models.WorldStore {
	worlds := &models.WorldStore{}
	t.Cleanup(worlds.Close)
	return worlds
}

func join(t *testing.T, conn *websocket.Conn, world string) JoinResponse {
	SendTestMsg(t, conn, MsgTypeJoin, 1, JoinRequest{World: world})

	var res JoinResponse
	err := ReceiveTestMsg(t, conn, MsgTypeJoinResponse).DataTo(&res)
	require.NoError(t, err)
	return res
}

func addBody(t *testing.T, conn *websocket.Conn, req BodyAddRequest) models.BodyView {
	SendTestMsg(t, conn, MsgTypeBodyAdd, 2, req)

	var res BodyResponse
	err := ReceiveTestMsg(t, conn, MsgTypeBodyAddResponse).DataTo(&res)
	require.NoError(t, err)
	return res.Body
}

func receiveError(t *testing.T, conn *websocket.Conn) ErrorResponse {
	var res ErrorResponse
	err := ReceiveTestMsg(t, conn, MsgTypeError).DataTo(&res)
	require.NoError(t, err)
	return res
}

func TestHandlerSendSyncClock(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	var res SyncClock
	msg := ReceiveTestMsg(t, clientA, MsgTypeSyncClock)
	err := msg.DataTo(&res)
	require.NoError(t, err)
	require.NotZero(t, res.ServerTime)
	require.NotZero(t, msg.Timestamp)
}

func TestHandlerHandlePing(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	SendTestMsg(t, clientA, MsgTypePing, 1, nil)
	msg := ReceiveTestMsg(t, clientA, MsgTypePingResponse)
	require.Equal(t, uint32(1), msg.RequestID)
}

func TestHandlerHandleUnknownMessage(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	SendTestMsg(t, clientA, "teleport", 7, nil)
	msg := ReceiveTestMsg(t, clientA, MsgTypeError)
	require.Equal(t, uint32(7), msg.RequestID)

	var res ErrorResponse
	err := msg.DataTo(&res)
	require.NoError(t, err)
	require.Equal(t, ErrTypeBadRequest, res.Type)

	t.Run("connection stays open", func(t *testing.T) {
		SendTestMsg(t, clientA, MsgTypePing, 8, nil)
		ReceiveTestMsg(t, clientA, MsgTypePingResponse)
	})
}

func TestHandlerHandleMalformedMessage(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	err := websocket.Message.Send(clientA, "{not json")
	require.NoError(t, err)
	require.Equal(t, ErrTypeBadRequest, receiveError(t, clientA).Type)

	SendTestMsg(t, clientA, MsgTypePing, 1, nil)
	ReceiveTestMsg(t, clientA, MsgTypePingResponse)
}

func TestHandlerHandleJoin(t *testing.T) {
	t.Run("world is joined", func(t *testing.T) {
		worlds := newTestWorlds(t)
		clientA, _, close := NewTestingEnv(t, newTestHandler(worlds, nil))
		defer close()

		res := join(t, clientA, "alpha")
		require.Equal(t, "alpha", res.World)
		require.NotEmpty(t, res.WorldUUID)
		require.NotEmpty(t, res.ClientID)
		require.Equal(t, grid.AxisXZ.String(), res.Axis)
		require.Equal(t, 1, res.CellSize)
		require.Empty(t, res.Bodies)

		_, ok := worlds.Get("alpha")
		require.True(t, ok)
	})

	t.Run("joined world bodies are sent", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		body := addBody(t, clientA, BodyAddRequest{Kind: "ship"})

		res := join(t, clientB, "alpha")
		require.Len(t, res.Bodies, 1)
		require.Equal(t, body.ID, res.Bodies[0].ID)
	})

	t.Run("joining the same world returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		SendTestMsg(t, clientA, MsgTypeJoin, 2, JoinRequest{World: "alpha"})
		require.Equal(t, ErrTypeWorldAlreadyJoined, receiveError(t, clientA).Type)
	})

	t.Run("joining another world leaves the previous one", func(t *testing.T) {
		worlds := newTestWorlds(t)
		clientA, _, close := NewTestingEnv(t, newTestHandler(worlds, nil))
		defer close()

		join(t, clientA, "alpha")
		addBody(t, clientA, BodyAddRequest{Kind: "ship"})
		join(t, clientA, "beta")

		alpha, ok := worlds.Get("alpha")
		require.True(t, ok)
		require.Zero(t, alpha.BodyCount())
	})

	t.Run("empty world name returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		SendTestMsg(t, clientA, MsgTypeJoin, 1, JoinRequest{})
		require.Equal(t, ErrTypeBadRequest, receiveError(t, clientA).Type)
	})

	t.Run("unknown world returns an error when auto creation is disabled", func(t *testing.T) {
		worlds := &models.WorldStore{DisableAutoCreate: true}
		defer worlds.Close()

		clientA, _, close := NewTestingEnv(t, newTestHandler(worlds, nil))
		defer close()

		SendTestMsg(t, clientA, MsgTypeJoin, 1, JoinRequest{World: "alpha"})
		require.Equal(t, models.ErrTypeWorldNotFound, receiveError(t, clientA).Type)
	})
}

func TestHandlerWorldNotJoined(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	SendTestMsg(t, clientA, MsgTypeBodyAdd, 1, BodyAddRequest{Kind: "ship"})
	require.Equal(t, ErrTypeWorldNotJoined, receiveError(t, clientA).Type)

	SendTestMsg(t, clientA, MsgTypeCellsInRange, 2, RangeRequest{Distance: 1})
	require.Equal(t, ErrTypeWorldNotJoined, receiveError(t, clientA).Type)
}

func TestHandlerHandleBodyAdd(t *testing.T) {
	clientA, clientB, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	res := join(t, clientA, "alpha")
	body := addBody(t, clientA, BodyAddRequest{
		Kind:     "ship",
		Name:     "falcon",
		Position: mgl32.Vec3{1.2, 0, 0.3},
	})
	require.NotZero(t, body.ID)
	require.Equal(t, "falcon", body.Name)
	require.Equal(t, res.ClientID, body.Owner)
	require.Equal(t, &grid.CellCoordinate{X: 1, Y: 0}, body.Cell)

	join(t, clientB, "alpha")
	SendTestMsg(t, clientB, MsgTypeBodiesInRange, 3, RangeRequest{
		Point:    mgl32.Vec3{1, 0, 0},
		Distance: 1,
	})

	var bodies BodiesInRangeResponse
	err := ReceiveTestMsg(t, clientB, MsgTypeBodiesInRangeResponse).DataTo(&bodies)
	require.NoError(t, err)
	require.Len(t, bodies.Bodies, 1)
	require.Equal(t, body.ID, bodies.Bodies[0].ID)
}

func TestHandlerHandleBodyUpdate(t *testing.T) {
	t.Run("body is moved", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		body := addBody(t, clientA, BodyAddRequest{
			Kind:     "ship",
			Position: mgl32.Vec3{0.5, 0, 0.5},
		})
		require.Equal(t, &grid.CellCoordinate{X: 0, Y: 0}, body.Cell)

		SendTestMsg(t, clientA, MsgTypeBodyUpdate, 3, BodyUpdateRequest{
			ID:       body.ID,
			Position: &mgl32.Vec3{1.2, 0, 0.3},
		})

		var res BodyResponse
		err := ReceiveTestMsg(t, clientA, MsgTypeBodyUpdateResponse).DataTo(&res)
		require.NoError(t, err)
		require.Equal(t, mgl32.Vec3{1.2, 0, 0.3}, res.Body.Position)
		require.Equal(t, &grid.CellCoordinate{X: 1, Y: 0}, res.Body.Cell)
	})

	t.Run("body owned by another client is not updated", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		body := addBody(t, clientA, BodyAddRequest{Kind: "ship"})

		join(t, clientB, "alpha")
		SendTestMsg(t, clientB, MsgTypeBodyUpdate, 3, BodyUpdateRequest{
			ID:       body.ID,
			Velocity: &mgl32.Vec3{1, 0, 0},
		})
		require.Equal(t, ErrTypeBodyNotOwned, receiveError(t, clientB).Type)
	})

	t.Run("persistent body is updated by another client", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		body := addBody(t, clientA, BodyAddRequest{Kind: "turret", Persist: true})
		require.Empty(t, body.Owner)

		join(t, clientB, "alpha")
		SendTestMsg(t, clientB, MsgTypeBodyUpdate, 3, BodyUpdateRequest{
			ID:       body.ID,
			Velocity: &mgl32.Vec3{1, 0, 0},
		})

		var res BodyResponse
		err := ReceiveTestMsg(t, clientB, MsgTypeBodyUpdateResponse).DataTo(&res)
		require.NoError(t, err)
		require.Equal(t, mgl32.Vec3{1, 0, 0}, res.Body.Velocity)
	})

	t.Run("unknown body returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		SendTestMsg(t, clientA, MsgTypeBodyUpdate, 3, BodyUpdateRequest{ID: 42})
		require.Equal(t, models.ErrTypeBodyNotFound, receiveError(t, clientA).Type)
	})
}

func TestHandlerClientIDs(t *testing.T) {
	// Both testing clients claim the same id in their headers.
	clientA, clientB, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	resA := join(t, clientA, "alpha")
	resB := join(t, clientB, "alpha")
	require.NotEmpty(t, resA.ClientID)
	require.NotEqual(t, resA.ClientID, resB.ClientID)
	require.NotEqual(t, "ted", resA.ClientID)
	require.NotEqual(t, "ted", resB.ClientID)

	body := addBody(t, clientA, BodyAddRequest{Kind: "ship"})
	require.Equal(t, resA.ClientID, body.Owner)

	SendTestMsg(t, clientB, MsgTypeBodyUpdate, 3, BodyUpdateRequest{
		ID:       body.ID,
		Position: &mgl32.Vec3{4, 0, 4},
	})
	require.Equal(t, ErrTypeBodyNotOwned, receiveError(t, clientB).Type)

	SendTestMsg(t, clientB, MsgTypeBodyRemove, 4, BodyRemoveRequest{ID: body.ID})
	require.Equal(t, ErrTypeBodyNotOwned, receiveError(t, clientB).Type)

	SendTestMsg(t, clientA, MsgTypeBodiesInRange, 5, RangeRequest{Distance: 1})

	var res BodiesInRangeResponse
	err := ReceiveTestMsg(t, clientA, MsgTypeBodiesInRangeResponse).DataTo(&res)
	require.NoError(t, err)
	require.Len(t, res.Bodies, 1)
	require.Equal(t, body.ID, res.Bodies[0].ID)
	require.Equal(t, mgl32.Vec3{}, res.Bodies[0].Position)
}

func TestHandlerHandleBodyRemove(t *testing.T) {
	for _, destroy := range []bool{false, true} {
		t.Run(fmt.Sprintf("destroy %v", destroy), func(t *testing.T) {
			worlds := newTestWorlds(t)
			clientA, _, close := NewTestingEnv(t, newTestHandler(worlds, nil))
			defer close()

			join(t, clientA, "alpha")
			body := addBody(t, clientA, BodyAddRequest{Kind: "ship"})

			SendTestMsg(t, clientA, MsgTypeBodyRemove, 3, BodyRemoveRequest{
				ID:      body.ID,
				Destroy: destroy,
			})
			ReceiveTestMsg(t, clientA, MsgTypeBodyRemoveResponse)

			SendTestMsg(t, clientA, MsgTypeBodiesInRange, 4, RangeRequest{Distance: 5})

			var res BodiesInRangeResponse
			err := ReceiveTestMsg(t, clientA, MsgTypeBodiesInRangeResponse).DataTo(&res)
			require.NoError(t, err)
			require.Empty(t, res.Bodies)

			world, ok := worlds.Get("alpha")
			require.True(t, ok)
			require.Zero(t, world.BodyCount())
		})
	}
}

func TestHandlerHandleCellsInRange(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
	defer close()

	join(t, clientA, "alpha")
	body := addBody(t, clientA, BodyAddRequest{
		Kind:     "ship",
		Position: mgl32.Vec3{0.5, 0, 0.5},
	})

	SendTestMsg(t, clientA, MsgTypeCellsInRange, 3, RangeRequest{Distance: 1})

	var res CellsInRangeResponse
	err := ReceiveTestMsg(t, clientA, MsgTypeCellsInRangeResponse).DataTo(&res)
	require.NoError(t, err)
	require.Len(t, res.Cells, 8)

	for _, c := range res.Cells {
		require.NotEqual(t, grid.CellCoordinate{X: 1, Y: 1}, c.Coordinate)
		if c.Coordinate == (grid.CellCoordinate{}) {
			require.Equal(t, []uint32{body.ID}, c.BodyIDs)
		}
	}

	t.Run("negative distance returns an error", func(t *testing.T) {
		SendTestMsg(t, clientA, MsgTypeCellsInRange, 4, RangeRequest{Distance: -1})
		require.Equal(t, ErrTypeBadRequest, receiveError(t, clientA).Type)
	})

	t.Run("distance beyond the grid returns an error", func(t *testing.T) {
		SendTestMsg(t, clientA, MsgTypeCellsInRange, 5, RangeRequest{Distance: 1e30})
		require.Equal(t, ErrTypeBadRequest, receiveError(t, clientA).Type)
	})

	t.Run("range spanning too many cells returns an error", func(t *testing.T) {
		SendTestMsg(t, clientA, MsgTypeCellsInRange, 6, RangeRequest{Distance: 1000})
		require.Equal(t, models.ErrTypeRangeTooLarge, receiveError(t, clientA).Type)

		SendTestMsg(t, clientA, MsgTypeBodiesInRange, 7, RangeRequest{Distance: 1000})
		require.Equal(t, models.ErrTypeRangeTooLarge, receiveError(t, clientA).Type)
	})

	t.Run("point beyond the grid returns an error", func(t *testing.T) {
		SendTestMsg(t, clientA, MsgTypeCellsInRange, 8, RangeRequest{
			Point:    mgl32.Vec3{1e30, 0, 0},
			Distance: 1,
		})
		require.Equal(t, grid.ErrTypeInvalidPosition, receiveError(t, clientA).Type)
	})

	t.Run("body beyond the grid is rejected", func(t *testing.T) {
		SendTestMsg(t, clientA, MsgTypeBodyAdd, 9, BodyAddRequest{
			Kind:     "ship",
			Position: mgl32.Vec3{0, 0, -1e30},
		})
		require.Equal(t, models.ErrTypeInvalidBody, receiveError(t, clientA).Type)

		SendTestMsg(t, clientA, MsgTypeBodyUpdate, 10, BodyUpdateRequest{
			ID:       body.ID,
			Position: &mgl32.Vec3{1e30, 0, 0},
		})
		require.Equal(t, models.ErrTypeInvalidBody, receiveError(t, clientA).Type)
	})
}

func TestHandlerHandleWatch(t *testing.T) {
	t.Run("watch updates are sent at every frame", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		body := addBody(t, clientA, BodyAddRequest{Kind: "ship"})

		SendTestMsg(t, clientA, MsgTypeWatch, 3, WatchRequest{
			RangeRequest: RangeRequest{Distance: 2},
		})
		ReceiveTestMsg(t, clientA, MsgTypeWatchResponse)

		var update WatchUpdate
		err := ReceiveTestMsg(t, clientA, MsgTypeWatchUpdate).DataTo(&update)
		require.NoError(t, err)
		require.NotZero(t, update.Frame)
		require.Len(t, update.Bodies, 1)
		require.Equal(t, body.ID, update.Bodies[0].ID)
	})

	t.Run("watching is disabled", func(t *testing.T) {
		flags := featureflag.New([]string{string(featureflag.FlagDisableWatch)})
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), flags))
		defer close()

		join(t, clientA, "alpha")
		SendTestMsg(t, clientA, MsgTypeWatch, 3, WatchRequest{
			RangeRequest: RangeRequest{Distance: 2},
		})
		require.Equal(t, ErrTypeFeatureDisabled, receiveError(t, clientA).Type)
	})
}

func TestHandlerHandleClear(t *testing.T) {
	t.Run("grid is cleared", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), nil))
		defer close()

		join(t, clientA, "alpha")
		addBody(t, clientA, BodyAddRequest{Kind: "ship"})

		SendTestMsg(t, clientA, MsgTypeCellsInRange, 3, RangeRequest{Distance: 3})
		ReceiveTestMsg(t, clientA, MsgTypeCellsInRangeResponse)

		SendTestMsg(t, clientA, MsgTypeClear, 4, nil)

		var res ClearResponse
		err := ReceiveTestMsg(t, clientA, MsgTypeClearResponse).DataTo(&res)
		require.NoError(t, err)
		require.Equal(t, 1, res.CellCount)
	})

	t.Run("clearing is disabled", func(t *testing.T) {
		flags := featureflag.New([]string{string(featureflag.FlagDisableClientClear)})
		clientA, _, close := NewTestingEnv(t, newTestHandler(newTestWorlds(t), flags))
		defer close()

		join(t, clientA, "alpha")
		SendTestMsg(t, clientA, MsgTypeClear, 4, nil)
		require.Equal(t, ErrTypeFeatureDisabled, receiveError(t, clientA).Type)
	})
}

func TestHandlerHandleDisconnect(t *testing.T) {
	worlds := newTestWorlds(t)
	clientA, clientB, close := NewTestingEnv(t, newTestHandler(worlds, nil))
	defer close()

	join(t, clientA, "alpha")
	addBody(t, clientA, BodyAddRequest{Kind: "ship"})
	addBody(t, clientA, BodyAddRequest{Kind: "turret", Persist: true})

	join(t, clientB, "alpha")
	addBody(t, clientB, BodyAddRequest{Kind: "ship"})

	world, ok := worlds.Get("alpha")
	require.True(t, ok)
	require.Equal(t, 3, world.BodyCount())

	clientA.Close()
	require.Eventually(t, func() bool {
		return world.BodyCount() == 2
	}, time.Second*2, time.Millisecond*10)
}

func TestHandlerHandleDisconnectFromRemovedWorld(t *testing.T) {
	worlds := newTestWorlds(t)
	clientA, _, close := NewTestingEnv(t, newTestHandler(worlds, nil))
	defer close()

	join(t, clientA, "alpha")
	addBody(t, clientA, BodyAddRequest{Kind: "ship"})

	warnings := make(chan string, 8)
	logs.SetInlineEncoder()
	logs.SetLogger(func(e logs.Entry) {
		if s := fmt.Sprint(e); strings.Contains(s, "removing client body failed") {
			select {
			case warnings <- s:
			default:
			}
		}
	})

	require.True(t, worlds.Remove("alpha"))
	clientA.Close()

	select {
	case s := <-warnings:
		require.NotEmpty(t, s)
	case <-time.After(time.Second * 2):
		t.Fatal("body removal failure was not logged")
	}
}
