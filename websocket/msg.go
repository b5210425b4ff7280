package websocket

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeBadRequest     = "bad_request"
	ErrTypeWorldNotJoined = "world_not_joined"
	ErrTypeInternal       = "internal"
)

// The message types.
const (
	MsgTypePing                  = "ping"
	MsgTypePingResponse          = "ping_response"
	MsgTypeSyncClock             = "sync_clock"
	MsgTypeJoin                  = "join"
	MsgTypeJoinResponse          = "join_response"
	MsgTypeBodyAdd               = "body_add"
	MsgTypeBodyAddResponse       = "body_add_response"
	MsgTypeBodyUpdate            = "body_update"
	MsgTypeBodyUpdateResponse    = "body_update_response"
	MsgTypeBodyRemove            = "body_remove"
	MsgTypeBodyRemoveResponse    = "body_remove_response"
	MsgTypeCellsInRange          = "cells_in_range"
	MsgTypeCellsInRangeResponse  = "cells_in_range_response"
	MsgTypeBodiesInRange         = "bodies_in_range"
	MsgTypeBodiesInRangeResponse = "bodies_in_range_response"
	MsgTypeWatch                 = "watch"
	MsgTypeWatchResponse         = "watch_response"
	MsgTypeWatchUpdate           = "watch_update"
	MsgTypeClear                 = "clear"
	MsgTypeClearResponse         = "clear_response"
	MsgTypeError                 = "error"
)

// Msg is the envelope of every message exchanged over a connection.
type Msg struct {
	Type      string          `json:"type"`
	RequestID uint32          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMsg creates a message with the given data encoded as JSON.
func NewMsg(msgType string, requestID uint32, data any) (Msg, error) {
	msg := Msg{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now(),
	}

	if data == nil {
		return msg, nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return Msg{}, errors.New("encoding message data failed").
			WithTag("msg_type", msgType).
			Wrap(err)
	}
	msg.Data = b
	return msg, nil
}

// DataTo decodes the message data into v.
func (m Msg) DataTo(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data").
			WithType(ErrTypeBadRequest).
			WithTag("msg_type", m.Type)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(ErrTypeBadRequest).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

// Receiver is a function that receives a message. It returns the number of
// bytes read.
type Receiver func() (Msg, int, error)

// Sender is a function that sends a message. It returns the number of bytes
// written.
type Sender func(Msg) (int, error)

// ResponseSender sends messages to the client attached to a handler.
type ResponseSender interface {
	// Encodes the data and sends it in a message of the given type.
	Send(msgType string, requestID uint32, data any)

	// Sends a message as is.
	SendMsg(msg Msg)
}

// NewReceiver returns a receiver that reads JSON messages from the given
// connection.
func NewReceiver(conn *websocket.Conn) Receiver {
	return func() (Msg, int, error) {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			return Msg{}, 0, err
		}

		var msg Msg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Msg{}, len(data), errors.New("decoding message failed").
				WithType(ErrTypeBadRequest).
				Wrap(err)
		}
		return msg, len(data), nil
	}
}

// NewSender returns a sender that writes JSON messages to the given
// connection.
func NewSender(conn *websocket.Conn) Sender {
	return func(msg Msg) (int, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").Wrap(err)
		}

		if err := websocket.Message.Send(conn, string(data)); err != nil {
			return 0, err
		}
		return len(data), nil
	}
}

type JoinRequest struct {
	World string `json:"world"`
}

type JoinResponse struct {
	World     string            `json:"world"`
	WorldUUID string            `json:"world_uuid"`
	ClientID  string            `json:"client_id"`
	Axis      string            `json:"axis"`
	CellSize  int               `json:"cell_size"`
	Bodies    []models.BodyView `json:"bodies"`
}

type BodyAddRequest struct {
	Kind     string     `json:"kind"`
	Name     string     `json:"name,omitempty"`
	Position mgl32.Vec3 `json:"position"`
	Velocity mgl32.Vec3 `json:"velocity"`

	// Keeps the body in the world when the client leaves. Persistent bodies
	// can be changed by every client.
	Persist bool `json:"persist,omitempty"`
}

type BodyResponse struct {
	Body models.BodyView `json:"body"`
}

type BodyUpdateRequest struct {
	ID       uint32      `json:"id"`
	Position *mgl32.Vec3 `json:"position,omitempty"`
	Velocity *mgl32.Vec3 `json:"velocity,omitempty"`
}

type BodyRemoveRequest struct {
	ID uint32 `json:"id"`

	// Marks the body as dead instead of removing it from the grid right away.
	Destroy bool `json:"destroy,omitempty"`
}

// RangeRequest describes a query of what is within a distance of a point.
type RangeRequest struct {
	Point    mgl32.Vec3 `json:"point"`
	Distance float32    `json:"distance"`
}

// WatchRequest asks to receive the bodies within a range at every world
// frame.
type WatchRequest struct {
	RangeRequest

	// Stops watching.
	Stop bool `json:"stop,omitempty"`
}

type CellsInRangeResponse struct {
	Cells []models.CellView `json:"cells"`
}

type BodiesInRangeResponse struct {
	Bodies []models.BodyView `json:"bodies"`
}

type WatchUpdate struct {
	Frame  uint64            `json:"frame"`
	Bodies []models.BodyView `json:"bodies"`
}

type ClearResponse struct {
	CellCount int `json:"cell_count"`
}

type SyncClock struct {
	ServerTime time.Time `json:"server_time"`
}

type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
