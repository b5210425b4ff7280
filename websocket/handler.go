package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/spatialgrid/models"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 512
	receiveChanSize = 64
)

// Handler represents a realtime handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a ping request.
	HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to join a world. handleFrame is called at every
	// frame of the joined world.
	HandleJoin(ctx context.Context, handleFrame func(), respond ResponseSender, msg Msg) error

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Handles a request to add a body.
	HandleBodyAdd(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to move a body or change its velocity.
	HandleBodyUpdate(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to remove a body.
	HandleBodyRemove(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request for the grid cells within a range.
	HandleCellsInRange(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request for the bodies within a range.
	HandleBodiesInRange(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to watch the bodies within a range.
	HandleWatch(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to clear the world grid.
	HandleClear(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a frame of the joined world.
	HandleFrame(ctx context.Context, respond ResponseSender) error

	// Sends a sync clock message to the client.
	SendSyncClock(ctx context.Context, respond ResponseSender) error

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender passed in service methods in order to send
	// messages.
	Sender() Sender

	// Closes the service and releases its allocated resources.
	Close()

	// The interval between each sync clock message sent to the connected
	// client.
	SyncClockInterval() time.Duration

	// The time a client is idle before being disconnected.
	IdleTimeout() time.Duration

	// Returns the world store.
	GetWorlds() *models.WorldStore

	// The currently joined world.
	CurrentWorld() *models.World

	// Returns the client id.
	GetClientID() string
}

// Handle handles the given service.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The realtime handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	frameChan      chan struct{}
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.receiveChan = make(chan Msg, receiveChanSize)
	h.frameChan = make(chan struct{}, 1)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	syncClockTicker := time.NewTicker(h.Handler.SyncClockInterval())
	defer syncClockTicker.Stop()

	var responder = responseSender{
		send:    h.send,
		sendMsg: h.sendMsg,
	}

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			h.disconnect(ctx.Err())

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", h.Handler.IdleTimeout()))

		case <-syncClockTicker.C:
			if err := h.Handler.SendSyncClock(ctx, responder); err != nil {
				h.disconnect(errors.New("sending sync clock failed").Wrap(err))
			}

		case <-h.frameChan:
			if err := h.Handler.HandleFrame(ctx, responder); err != nil {
				h.disconnect(errors.New("handling frame failed").Wrap(err))
			}

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if err := h.handleMessage(ctx, msg, responder); err != nil {
				h.disconnect(errors.New("handling message failed").Wrap(err))
			}

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			if ctx.Err() == nil {
				// cancel context so go routines can cleanly exit
				cancel()
			}
		}
	}

	wg.Wait()
}

func (h *handler) send(msgType string, requestID uint32, data any) {
	msg, err := NewMsg(msgType, requestID, data)
	if err != nil {
		logs.WithTag("client_id", h.Handler.GetClientID()).
			WithTag("msg_type", msgType).
			Debug(err)
		return
	}
	h.sendChan <- msg
}

func (h *handler) sendMsg(msg Msg) {
	h.sendChan <- msg
}

// handleFrame signals a world frame to the handling loop. Frames are dropped
// while the previous one is still pending.
func (h *handler) handleFrame() {
	select {
	case h.frameChan <- struct{}{}:
	default:
	}
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		default:
			msg, _, err := h.receiver()
			if errors.IsType(err, ErrTypeBadRequest) {
				h.sendMsg(errorMsg(0, err))
				continue
			}
			if err != nil {
				h.disconnect(errors.New("receiving message failed").Wrap(err))
				return
			}

			select {
			case <-ctx.Done():
				return
			case h.receiveChan <- msg:
			}
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) error {
	var err error

	switch msg.Type {
	case MsgTypePing:
		err = h.Handler.HandlePing(ctx, responder, msg)

	case MsgTypeJoin:
		err = h.Handler.HandleJoin(ctx, h.handleFrame, responder, msg)

	case MsgTypeBodyAdd:
		err = h.Handler.HandleBodyAdd(ctx, responder, msg)

	case MsgTypeBodyUpdate:
		err = h.Handler.HandleBodyUpdate(ctx, responder, msg)

	case MsgTypeBodyRemove:
		err = h.Handler.HandleBodyRemove(ctx, responder, msg)

	case MsgTypeCellsInRange:
		err = h.Handler.HandleCellsInRange(ctx, responder, msg)

	case MsgTypeBodiesInRange:
		err = h.Handler.HandleBodiesInRange(ctx, responder, msg)

	case MsgTypeWatch:
		err = h.Handler.HandleWatch(ctx, responder, msg)

	case MsgTypeClear:
		err = h.Handler.HandleClear(ctx, responder, msg)

	default:
		err = errors.New("unknown message type").
			WithType(ErrTypeBadRequest).
			WithTag("msg_type", msg.Type)
	}

	// Request errors are reported to the client, which stays connected.
	if err != nil && errors.Type(err) != "" && errors.Type(err) != ErrTypeInternal {
		responder.SendMsg(errorMsg(msg.RequestID, err))
		return nil
	}
	return err
}

func (h *handler) disconnect(err error) {
	h.disconnectChan <- err
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

func errorMsg(requestID uint32, err error) Msg {
	msg, _ := NewMsg(MsgTypeError, requestID, ErrorResponse{
		Type:    errors.Type(err),
		Message: err.Error(),
	})
	return msg
}

type responseSender struct {
	send    func(string, uint32, any)
	sendMsg func(Msg)
}

func (r responseSender) Send(msgType string, requestID uint32, data any) {
	r.send(msgType, requestID, data)
}

func (r responseSender) SendMsg(msg Msg) {
	r.sendMsg(msg)
}
