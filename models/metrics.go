package models

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	worldLabel = "world"
)

var (
	worldCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_count",
		Help: "The number of worlds.",
	})

	worldCountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_count_total",
		Help: "The total number of worlds.",
	})

	worldBodies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "world_bodies",
		Help: "The number of bodies in a world.",
	}, []string{worldLabel})

	worldFrameSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "world_frame_seconds",
		Help:    "The time spent moving bodies and refreshing their grid cells during a frame.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	}, []string{worldLabel})
)

func instrumentIncreaseWorldGauge() {
	worldCount.Inc()
}

func instrumentDecreaseWorldGauge() {
	worldCount.Dec()
}

func instrumentCountWorld() {
	worldCountTotal.Inc()
}

func instrumentBodyCount(world string, count int) {
	worldBodies.
		With(prometheus.Labels{worldLabel: world}).
		Set((float64)(count))
}

func instrumentRemoveWorldBodies(world string) {
	worldBodies.Delete(prometheus.Labels{worldLabel: world})
}

func instrumentFrame(world string, d time.Duration) {
	worldFrameSeconds.
		With(prometheus.Labels{worldLabel: world}).
		Observe(d.Seconds())
}
