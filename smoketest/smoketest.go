package smoketest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	sgwebsocket "github.com/aukilabs/spatialgrid/websocket"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	// The world joined by smoke tests.
	World = "smoke-test"

	defaultTimeout = time.Second * 10
)

type Options struct {
	// The endpoint of the server running the handler. Used when a request
	// does not specify one.
	Endpoint  string
	UserAgent string
}

type Request struct {
	Endpoint string        `json:"endpoint,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Results describes a smoke test run. Latencies are in milliseconds.
type Results struct {
	Endpoint       string  `json:"endpoint"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	JoinLatency    float64 `json:"join_latency,omitempty"`
	BodyAddLatency float64 `json:"body_add_latency,omitempty"`
	QueryLatency   float64 `json:"query_latency,omitempty"`
}

// HandleSmokeTest runs a smoke test against the requested endpoint and
// responds with its results.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request

		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		if req.Endpoint == "" {
			req.Endpoint = opts.Endpoint
		}

		res, err := Run(ctx, RunOptions{
			Endpoint:  req.Endpoint,
			UserAgent: opts.UserAgent,
			Timeout:   req.Timeout,
		})
		if err != nil {
			logs.WithTag("to_endpoint", req.Endpoint).Warn(err)
		}

		body, err := json.Marshal(res)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

type RunOptions struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
}

// Run connects to the endpoint, joins the smoke test world, adds a body and
// checks that a range query finds it.
func Run(ctx context.Context, opts RunOptions) (Results, error) {
	res := Results{Endpoint: opts.Endpoint}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	if err := run(ctx, opts, &res); err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	return res, nil
}

func run(ctx context.Context, opts RunOptions, res *Results) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	c := client{
		conn:    conn,
		send:    sgwebsocket.NewSender(conn),
		receive: sgwebsocket.NewReceiver(conn),
	}

	var join sgwebsocket.JoinResponse
	latency, err := c.request(sgwebsocket.MsgTypeJoin, sgwebsocket.JoinRequest{
		World: World,
	}, sgwebsocket.MsgTypeJoinResponse, &join)
	if err != nil {
		return err
	}
	res.JoinLatency = milliseconds(latency)

	// A random position keeps concurrent runs from seeing each other.
	position := mgl32.Vec3{float32(uuid.New().ID() % 100000), 0, 0}

	var add sgwebsocket.BodyResponse
	latency, err = c.request(sgwebsocket.MsgTypeBodyAdd, sgwebsocket.BodyAddRequest{
		Kind:     "smoke-test",
		Position: position,
	}, sgwebsocket.MsgTypeBodyAddResponse, &add)
	if err != nil {
		return err
	}
	res.BodyAddLatency = milliseconds(latency)

	var query sgwebsocket.BodiesInRangeResponse
	latency, err = c.request(sgwebsocket.MsgTypeBodiesInRange, sgwebsocket.RangeRequest{
		Point:    position,
		Distance: 0.5,
	}, sgwebsocket.MsgTypeBodiesInRangeResponse, &query)
	if err != nil {
		return err
	}
	res.QueryLatency = milliseconds(latency)

	found := false
	for _, b := range query.Bodies {
		found = found || b.ID == add.Body.ID
	}
	if !found {
		return errors.New("added body is not in range").
			WithTag("body_id", add.Body.ID)
	}

	_, err = c.request(sgwebsocket.MsgTypeBodyRemove, sgwebsocket.BodyRemoveRequest{
		ID: add.Body.ID,
	}, sgwebsocket.MsgTypeBodyRemoveResponse, nil)
	return err
}

func dial(ctx context.Context, opts RunOptions) (*websocket.Conn, error) {
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, errors.New("parsing endpoint failed").Wrap(err)
	}

	origin := *endpoint
	endpoint.Scheme = strings.Replace(endpoint.Scheme, "http", "ws", 1)

	config, err := websocket.NewConfig(endpoint.String(), origin.String())
	if err != nil {
		return nil, errors.New("creating websocket config failed").Wrap(err)
	}

	if opts.UserAgent != "" {
		config.Header.Set("User-Agent", opts.UserAgent)
	}

	conn, err := config.DialContext(ctx)
	if err != nil {
		return nil, errors.New("dialing endpoint failed").
			WithTag("endpoint", endpoint.String()).
			Wrap(err)
	}
	return conn, nil
}

type client struct {
	conn      *websocket.Conn
	send      sgwebsocket.Sender
	receive   sgwebsocket.Receiver
	requestID uint32
}

// request sends a request and waits for its response. Other messages are
// skipped.
func (c *client) request(msgType string, data any, responseType string, res any) (time.Duration, error) {
	c.requestID++
	start := time.Now()

	msg, err := sgwebsocket.NewMsg(msgType, c.requestID, data)
	if err != nil {
		return 0, err
	}

	if _, err := c.send(msg); err != nil {
		return 0, errors.New("sending request failed").
			WithTag("msg_type", msgType).
			Wrap(err)
	}

	for {
		msg, _, err := c.receive()
		if err != nil {
			return 0, errors.New("receiving response failed").
				WithTag("msg_type", msgType).
				Wrap(err)
		}

		if msg.RequestID != c.requestID {
			continue
		}

		switch msg.Type {
		case responseType:
			latency := time.Since(start)
			if res == nil {
				return latency, nil
			}
			return latency, msg.DataTo(res)

		case sgwebsocket.MsgTypeError:
			var errRes sgwebsocket.ErrorResponse
			msg.DataTo(&errRes)
			return 0, errors.New("request failed").
				WithType(errRes.Type).
				WithTag("msg_type", msgType).
				WithTag("reason", errRes.Message)
		}
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
