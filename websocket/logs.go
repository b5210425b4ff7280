package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

const (
	clientIDTag = "client_id"
	worldTag    = "world"
)

// HandlerWithLogs wraps the given handler to log the client lifecycle and the
// exchanged messages. A summary of the received message types is logged at
// the given interval.
func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:            h,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]int),
	}

	go handler.startSummaryWorker(ctx)
	return handler
}

type handlerWithLogs struct {
	Handler

	originalRequest *http.Request

	summaryInterval    time.Duration
	closeSummaryWorker func()
	counterMutex       sync.Mutex
	counter            map[string]int

	worldMutex sync.RWMutex
	world      string
	worldUUID  string
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) {
	h.Handler.HandleConnect(conn)
	h.originalRequest = conn.Request()

	logs.WithTag(clientIDTag, h.GetClientID()).
		Info("new client is connected")
}

func (h *handlerWithLogs) HandleJoin(ctx context.Context, handleFrame func(), respond ResponseSender, msg Msg) error {
	if err := h.Handler.HandleJoin(ctx, handleFrame, respond, msg); err != nil {
		var req JoinRequest
		msg.DataTo(&req)

		logs.WithTag(clientIDTag, h.GetClientID()).
			WithTag(worldTag, req.World).
			WithTag("request_id", msg.RequestID).
			WithTag("error_type", errors.Type(err)).
			Info("client failed to join a world")
		return err
	}

	world := h.CurrentWorld()
	if world == nil {
		return nil
	}

	h.worldMutex.Lock()
	h.world = world.Name
	h.worldUUID = world.UUID
	h.worldMutex.Unlock()

	logs.WithTag(clientIDTag, h.GetClientID()).
		WithTag(worldTag, world.Name).
		WithTag("world_uuid", world.UUID).
		WithTag("http_headers", struct {
			UserAgent     string `json:"user_agent,omitempty"`
			XForwardedFor string `json:"x_forwarded_for,omitempty"`
		}{
			UserAgent:     h.originalRequest.UserAgent(),
			XForwardedFor: h.originalRequest.Header.Get("X-Forwarded-For"),
		}).
		Info("client joined a world")
	return nil
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	world, _ := h.currentWorld()
	entry := logs.WithTag(clientIDTag, h.GetClientID()).
		WithTag(worldTag, world)
	if err != nil && !errors.Is(err, context.Canceled) {
		entry = entry.WithTag("reason", err.Error())
	}
	entry.Info("client disconnected")
}

func (h *handlerWithLogs) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()
		world, worldUUID := h.currentWorld()

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldTag, world).
				WithTag("world_uuid", worldUUID).
				Error(errors.New("receiving message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldTag, world).
				WithTag("world_uuid", worldUUID).
				WithTag("msg_type", msg.Type).
				Debug("message received")
			h.incCounter(msg.Type)
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() Sender {
	sender := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		n, err := sender(msg)
		world, worldUUID := h.currentWorld()

		if err != nil && !errors.Is(err, net.ErrClosed) {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldTag, world).
				WithTag("world_uuid", worldUUID).
				WithTag("msg_type", msg.Type).
				Error(errors.New("sending message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldTag, world).
				WithTag("world_uuid", worldUUID).
				WithTag("msg_type", msg.Type).
				Debug("message sent")
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.closeSummaryWorker()
	h.logSummary()
}

// currentWorld returns the joined world as seen by the logs. It is safe to
// call from the sending and receiving goroutines.
func (h *handlerWithLogs) currentWorld() (name, uuid string) {
	h.worldMutex.RLock()
	defer h.worldMutex.RUnlock()

	return h.world, h.worldUUID
}

func (h *handlerWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

func (h *handlerWithLogs) incCounter(msgType string) {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	h.counter[msgType]++
}

func (h *handlerWithLogs) logSummary() {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	if len(h.counter) == 0 {
		return
	}

	world, worldUUID := h.currentWorld()
	entry := logs.
		WithTag(clientIDTag, h.GetClientID()).
		WithTag(worldTag, world).
		WithTag("world_uuid", worldUUID).
		WithTag("time_interval", h.summaryInterval)

	for k, v := range h.counter {
		entry = entry.WithTag(k, v)
		delete(h.counter, k)
	}

	entry.Info("inbound message summary")
}
