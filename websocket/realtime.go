package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/featureflag"
	"github.com/aukilabs/spatialgrid/grid"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeWorldAlreadyJoined = "world_already_joined"
	ErrTypeBodyNotOwned       = "body_not_owned"
	ErrTypeFeatureDisabled    = "feature_disabled"
)

// RealtimeHandler represents a service that manages a client connection to a
// world and relays its actions in realtime.
type RealtimeHandler struct {
	// The interval between each sync clock message sent to the connected
	// client.
	ClientSyncClockInterval time.Duration

	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The store that contains all the server worlds.
	Worlds *models.WorldStore

	FeatureFlags featureflag.FeatureFlag

	conn         *websocket.Conn
	currentWorld *models.World

	// The ids of the bodies added by the client and removed when it leaves.
	bodyIDs map[uint32]struct{}

	watch *RangeRequest
	frame uint64

	stopFrameHandling func()

	clientID string
}

// HandleConnect assigns the client a new id. Body ownership relies on it, so
// it never comes from the client.
func (h *RealtimeHandler) HandleConnect(conn *websocket.Conn) {
	h.clientID = uuid.NewString()
	h.conn = conn
}

func (h *RealtimeHandler) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	respond.Send(MsgTypePingResponse, msg.RequestID, nil)
	return nil
}

func (h *RealtimeHandler) HandleJoin(ctx context.Context, handleFrame func(), respond ResponseSender, msg Msg) error {
	var req JoinRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if req.World == "" {
		return errors.New("world name is empty").
			WithType(ErrTypeBadRequest).
			WithTag("msg_type", msg.Type)
	}

	if h.currentWorld != nil && h.currentWorld.Name == req.World {
		return errors.New("world already joined").
			WithType(ErrTypeWorldAlreadyJoined).
			WithTag("world", req.World)
	}

	world, err := h.Worlds.GetOrCreate(req.World)
	if errors.IsType(err, models.ErrTypeWorldNotFound) {
		return err
	}
	if err != nil {
		return errors.New("getting world failed").
			WithType(ErrTypeInternal).
			Wrap(err)
	}

	if h.currentWorld != nil {
		h.leaveWorld()
	}

	h.currentWorld = world
	h.bodyIDs = make(map[uint32]struct{})
	h.stopFrameHandling = world.HandleFrame(handleFrame)

	conf := world.GridConfig()
	respond.Send(MsgTypeJoinResponse, msg.RequestID, JoinResponse{
		World:     world.Name,
		WorldUUID: world.UUID,
		ClientID:  h.clientID,
		Axis:      conf.Axis.String(),
		CellSize:  conf.CellSize,
		Bodies:    world.BodyViews(),
	})
	return nil
}

func (h *RealtimeHandler) HandleDisconnect(_ error) {
	if h.currentWorld != nil {
		h.leaveWorld()
	}
}

func (h *RealtimeHandler) HandleBodyAdd(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req BodyAddRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	world, err := h.joinedWorld(msg)
	if err != nil {
		return err
	}

	var owner string
	if !req.Persist {
		owner = h.clientID
	}

	body, err := world.AddBody(owner, req.Kind, req.Name, req.Position, req.Velocity)
	if err != nil {
		return err
	}

	if !req.Persist {
		h.bodyIDs[body.ID] = struct{}{}
	}

	view, err := world.BodyView(body.ID)
	if err != nil {
		return err
	}

	respond.Send(MsgTypeBodyAddResponse, msg.RequestID, BodyResponse{
		Body: view,
	})
	return nil
}

func (h *RealtimeHandler) HandleBodyUpdate(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req BodyUpdateRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	world, err := h.joinedWorld(msg)
	if err != nil {
		return err
	}

	if err := h.checkOwned(world, req.ID); err != nil {
		return err
	}

	if req.Velocity != nil {
		if err := world.SetBodyVelocity(req.ID, *req.Velocity); err != nil {
			return err
		}
	}

	if req.Position != nil {
		if err := world.MoveBody(req.ID, *req.Position); err != nil {
			return err
		}
	}

	view, err := world.BodyView(req.ID)
	if err != nil {
		return err
	}

	respond.Send(MsgTypeBodyUpdateResponse, msg.RequestID, BodyResponse{
		Body: view,
	})
	return nil
}

func (h *RealtimeHandler) HandleBodyRemove(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req BodyRemoveRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	world, err := h.joinedWorld(msg)
	if err != nil {
		return err
	}

	if err := h.checkOwned(world, req.ID); err != nil {
		return err
	}

	if req.Destroy {
		err = world.DestroyBody(req.ID)
	} else {
		err = world.RemoveBody(req.ID)
	}
	if err != nil {
		return err
	}

	delete(h.bodyIDs, req.ID)
	respond.Send(MsgTypeBodyRemoveResponse, msg.RequestID, nil)
	return nil
}

func (h *RealtimeHandler) HandleCellsInRange(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req RangeRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	world, err := h.joinedWorld(msg)
	if err != nil {
		return err
	}

	if err := checkDistance(req.Distance); err != nil {
		return err
	}

	cells, err := world.CellsInRange(req.Point, req.Distance)
	if err != nil {
		return err
	}

	respond.Send(MsgTypeCellsInRangeResponse, msg.RequestID, CellsInRangeResponse{
		Cells: cells,
	})
	return nil
}

func (h *RealtimeHandler) HandleBodiesInRange(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req RangeRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	world, err := h.joinedWorld(msg)
	if err != nil {
		return err
	}

	if err := checkDistance(req.Distance); err != nil {
		return err
	}

	bodies, err := world.BodyViewsInRange(req.Point, req.Distance)
	if err != nil {
		return err
	}

	respond.Send(MsgTypeBodiesInRangeResponse, msg.RequestID, BodiesInRangeResponse{
		Bodies: bodies,
	})
	return nil
}

func (h *RealtimeHandler) HandleWatch(ctx context.Context, respond ResponseSender, msg Msg) error {
	if h.FeatureFlags.IsSet(featureflag.FlagDisableWatch) {
		return errors.New("watching is disabled").
			WithType(ErrTypeFeatureDisabled).
			WithTag("msg_type", msg.Type)
	}

	var req WatchRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if _, err := h.joinedWorld(msg); err != nil {
		return err
	}

	if req.Stop {
		h.watch = nil
	} else {
		if err := checkDistance(req.Distance); err != nil {
			return err
		}
		h.watch = &req.RangeRequest
	}

	respond.Send(MsgTypeWatchResponse, msg.RequestID, nil)
	return nil
}

func (h *RealtimeHandler) HandleClear(ctx context.Context, respond ResponseSender, msg Msg) error {
	if h.FeatureFlags.IsSet(featureflag.FlagDisableClientClear) {
		return errors.New("clearing is disabled").
			WithType(ErrTypeFeatureDisabled).
			WithTag("msg_type", msg.Type)
	}

	world, err := h.joinedWorld(msg)
	if err != nil {
		return err
	}

	if err := world.ClearGrid(); err != nil {
		return err
	}

	respond.Send(MsgTypeClearResponse, msg.RequestID, ClearResponse{
		CellCount: world.DebugInfo().CellCount,
	})
	return nil
}

func (h *RealtimeHandler) HandleFrame(ctx context.Context, respond ResponseSender) error {
	if h.currentWorld == nil || h.watch == nil {
		return nil
	}

	bodies, err := h.currentWorld.BodyViewsInRange(h.watch.Point, h.watch.Distance)
	if err != nil {
		return err
	}

	h.frame++
	respond.Send(MsgTypeWatchUpdate, 0, WatchUpdate{
		Frame:  h.frame,
		Bodies: bodies,
	})
	return nil
}

func (h *RealtimeHandler) SendSyncClock(ctx context.Context, respond ResponseSender) error {
	respond.Send(MsgTypeSyncClock, 0, SyncClock{
		ServerTime: time.Now(),
	})
	return nil
}

func (h *RealtimeHandler) Receiver() Receiver {
	return NewReceiver(h.conn)
}

func (h *RealtimeHandler) Sender() Sender {
	return NewSender(h.conn)
}

func (h *RealtimeHandler) Close() {
}

func (h *RealtimeHandler) SyncClockInterval() time.Duration {
	return h.ClientSyncClockInterval
}

func (h *RealtimeHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *RealtimeHandler) GetWorlds() *models.WorldStore {
	return h.Worlds
}

func (h *RealtimeHandler) CurrentWorld() *models.World {
	return h.currentWorld
}

func (h *RealtimeHandler) GetClientID() string {
	return h.clientID
}

func (h *RealtimeHandler) joinedWorld(msg Msg) (*models.World, error) {
	if h.currentWorld == nil {
		return nil, errors.New("world not joined").
			WithType(ErrTypeWorldNotJoined).
			WithTag("msg_type", msg.Type)
	}
	return h.currentWorld, nil
}

// checkOwned returns an error when the body was added by another client.
// Persistent bodies have no owner and can be changed by every client.
func (h *RealtimeHandler) checkOwned(world *models.World, id uint32) error {
	body, err := world.BodyView(id)
	if err != nil {
		return err
	}

	if body.Owner != "" && body.Owner != h.clientID {
		return errors.New("body is owned by another client").
			WithType(ErrTypeBodyNotOwned).
			WithTag("body_id", id)
	}
	return nil
}

func (h *RealtimeHandler) leaveWorld() {
	world := h.currentWorld
	if world == nil {
		return
	}

	if h.stopFrameHandling != nil {
		h.stopFrameHandling()
		h.stopFrameHandling = nil
	}

	for id := range h.bodyIDs {
		if err := world.RemoveBody(id); err != nil && !errors.IsType(err, models.ErrTypeBodyNotFound) {
			logs.Warn(errors.New("removing client body failed").
				WithTag("client_id", h.clientID).
				WithTag("world", world.Name).
				WithTag("body_id", id).
				Wrap(err))
		}
	}

	h.bodyIDs = nil
	h.watch = nil
	h.currentWorld = nil
}

func checkDistance(d float32) error {
	if err := grid.CheckDistance(d); err != nil {
		return errors.New("invalid distance").
			WithType(ErrTypeBadRequest).
			Wrap(err)
	}
	return nil
}
