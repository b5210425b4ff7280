package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/spatialgrid/featureflag"
	"github.com/aukilabs/spatialgrid/grid"
	sghttp "github.com/aukilabs/spatialgrid/http"
	"github.com/aukilabs/spatialgrid/models"
	"github.com/aukilabs/spatialgrid/smoketest"
	sgwebsocket "github.com/aukilabs/spatialgrid/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The server version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "spatialgrid_info",
		Help:        "Spatial grid server information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"SPATIALGRID_ADDR"                 help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"SPATIALGRID_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"SPATIALGRID_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	LogLevel           string        `cli:""        env:"SPATIALGRID_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"SPATIALGRID_LOG_INDENT"           help:"Indent logs."`
	Grid               gridConfig    `cli:""        env:"-"                                help:"World grid configuration."`
	SyncClockInterval  time.Duration `cli:",hidden" env:"SPATIALGRID_SYNC_CLOCK_INTERVAL"  help:"Client sync clock (heartbeat) message interval."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"SPATIALGRID_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle client will be disconnected"`
	FrameDuration      time.Duration `cli:",hidden" env:"SPATIALGRID_FRAME_DURATION"       help:"The duration of a world frame."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"SPATIALGRID_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	Events             eventsConfig  `cli:",hidden" env:"-"                                help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"SPATIALGRID_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool          `cli:""        env:"-"                                help:"Show version."`
	Help               bool          `cli:""        env:"-"                                help:"Show help."`
}

type gridConfig struct {
	Axis          string `cli:"" env:"SPATIALGRID_GRID_AXIS"            help:"The plane the world bodies are projected on (xz|xy|yz)."`
	CellSize      int    `cli:"" env:"SPATIALGRID_GRID_CELL_SIZE"       help:"The length of a grid cell side."`
	MaxRangeCells int    `cli:"" env:"SPATIALGRID_GRID_MAX_RANGE_CELLS" help:"The maximum number of cells a range query spans from its point (0 for no limit)."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"SPATIALGRID_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"SPATIALGRID_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"SPATIALGRID_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"SPATIALGRID_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:           ":4000",
		AdminAddr:      ":18190",
		PublicEndpoint: "http://localhost:4000",
		LogLevel:       logs.InfoLevel.String(),
		Grid: gridConfig{
			Axis:          grid.AxisXZ.String(),
			CellSize:      grid.DefaultConfig().CellSize,
			MaxRangeCells: models.DefaultWorldConfig().MaxRangeCells,
		},
		SyncClockInterval:  time.Second * 5,
		ClientIdleTimeout:  time.Minute * 5,
		FrameDuration:      models.DefaultWorldConfig().FrameDuration,
		LogSummaryInterval: time.Minute,
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts the spatial grid server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	featureFlags := featureflag.New(conf.FeatureFlags)

	worldConf, err := newWorldConfig(conf, featureFlags)
	if err != nil {
		logs.Fatal(err)
	}

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     metrics.HTTPTransport(http.DefaultTransport),
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "spatialgrid",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	worlds := models.WorldStore{
		WorldConfig:       worldConf,
		DisableAutoCreate: featureFlags.IsSet(featureflag.FlagDisableWorldAutoCreate),
	}
	defer worlds.Close()

	readinessCheck := func() bool {
		return ctx.Err() == nil
	}

	worldsHandler := sghttp.WorldsHandler{Worlds: &worlds}
	worldsMux := sghttp.HandleWithCORS(worldsHandler.ServeMux())

	var service http.ServeMux
	service.Handle("/health", sghttp.HandleWithCORS(http.HandlerFunc(sghttp.HandleHealthCheck)))
	service.Handle("/ready", sghttp.HandleWithCORS(sghttp.HandleReadyCheck(readinessCheck)))
	service.Handle("/version", sghttp.HandleWithCORS(sghttp.HandleVersion(version)))
	service.Handle("/worlds", worldsMux)
	service.Handle("/worlds/", worldsMux)

	service.Handle("/", sghttp.HandleWithCORS(websocket.Server{
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var rh sgwebsocket.Handler = &sgwebsocket.RealtimeHandler{
				ClientSyncClockInterval: conf.SyncClockInterval,
				ClientIdleTimeout:       conf.ClientIdleTimeout,
				Worlds:                  &worlds,
				FeatureFlags:            featureFlags,
			}
			h := sgwebsocket.HandlerWithLogs(rh, conf.LogSummaryInterval)
			h = sgwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			sgwebsocket.Handle(ctx, conn, h)
		},
	}))

	service.Handle("/ping", websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			io.Copy(ws, ws)
		},
	})

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", sghttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", sghttp.HandleReadyCheck(readinessCheck))
	admin.HandleFunc("/smoke-test", smoketest.HandleSmokeTest(ctx, smoketest.Options{
		Endpoint:  conf.PublicEndpoint,
		UserAgent: "spatialgrid/" + version,
	}))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("axis", worldConf.Grid.Axis.String()).
		WithTag("cell_size", worldConf.Grid.CellSize).
		WithTag("max_range_cells", worldConf.MaxRangeCells).
		WithTag("feature_flags", conf.FeatureFlags).
		Info("starting spatial grid server")

	sghttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			sghttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

// newWorldConfig returns the configuration of the worlds created by the
// server.
func newWorldConfig(conf config, featureFlags featureflag.FeatureFlag) (models.WorldConfig, error) {
	axis, err := grid.ParseAxis(conf.Grid.Axis)
	if err != nil {
		return models.WorldConfig{}, err
	}

	worldConf := models.DefaultWorldConfig()
	worldConf.FrameDuration = conf.FrameDuration
	worldConf.Grid.Axis = axis
	worldConf.Grid.CellSize = conf.Grid.CellSize
	worldConf.MaxRangeCells = conf.Grid.MaxRangeCells

	featureFlags.IfSet(featureflag.FlagDisableStaleMemberFilter, func() {
		worldConf.Grid.FilterStaleMembers = false
	})

	featureFlags.IfSet(featureflag.FlagDisableRangeQueryMaterialization, func() {
		worldConf.MaterializeRangeQueries = false
	})

	if err := worldConf.Grid.Validate(); err != nil {
		return models.WorldConfig{}, err
	}
	return worldConf, nil
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if conf.Grid.MaxRangeCells < 0 {
		return errors.New("max range cells must not be negative").
			WithTag("max_range_cells", conf.Grid.MaxRangeCells)
	}

	if conf.FrameDuration <= 0 {
		return errors.New("frame duration must be positive").
			WithTag("frame_duration", conf.FrameDuration)
	}

	if conf.SyncClockInterval <= 0 {
		return errors.New("sync clock interval must be positive").
			WithTag("sync_clock_interval", conf.SyncClockInterval)
	}

	return nil
}
