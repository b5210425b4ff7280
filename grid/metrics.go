package grid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	gridLabel  = "grid"
	queryLabel = "query"
)

var (
	gridCells = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_cells",
		Help: "The number of materialized cells.",
	}, []string{gridLabel})

	gridCellsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_cells_created_total",
		Help: "The total number of created cells.",
	}, []string{gridLabel})

	gridRangeQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_range_queries_total",
		Help: "The total number of range queries.",
	}, []string{gridLabel, queryLabel})

	gridStaleMembersRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_stale_members_removed_total",
		Help: "The total number of entities removed from cells because they were no longer alive.",
	}, []string{gridLabel})

	gridClearsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_clears_total",
		Help: "The total number of grid clears.",
	}, []string{gridLabel})
)

func instrumentCellCreated(grid string) {
	labels := prometheus.Labels{gridLabel: grid}
	gridCells.With(labels).Inc()
	gridCellsCreatedTotal.With(labels).Inc()
}

func instrumentRangeQuery(grid string, query string) {
	gridRangeQueriesTotal.
		With(prometheus.Labels{gridLabel: grid, queryLabel: query}).
		Inc()
}

func instrumentStaleMembersRemoved(grid string, count int) {
	gridStaleMembersRemovedTotal.
		With(prometheus.Labels{gridLabel: grid}).
		Add((float64)(count))
}

func instrumentClear(grid string) {
	labels := prometheus.Labels{gridLabel: grid}
	gridCells.With(labels).Set(0)
	gridClearsTotal.With(labels).Inc()
}

func deleteMetrics(grid string) {
	labels := prometheus.Labels{gridLabel: grid}
	gridCells.Delete(labels)
	gridCellsCreatedTotal.Delete(labels)
	gridRangeQueriesTotal.DeletePartialMatch(labels)
	gridStaleMembersRemovedTotal.Delete(labels)
	gridClearsTotal.Delete(labels)
}
