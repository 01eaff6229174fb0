// Package metrics defines the Prometheus collectors exported by geostore.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	subsystem = "geostore"

	// Labels
	statusLabel     = "status"
	stateLabel      = "state"
	checkLabel      = "check"
	resultLabel     = "result"
	kindLabel       = "kind"
	resultCodeLabel = "result_code"
	typeLabel       = "type"
	outcomeLabel    = "outcome"
)

var executionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "workflow_executions_total",
		Help:      "number of workflow executions partitioned by terminal status",
	},
	[]string{statusLabel},
)

var statesEnteredTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "workflow_states_entered_total",
		Help:      "number of times a workflow state was entered",
	},
	[]string{stateLabel},
)

var runningExecutionsMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "workflow_executions_running",
		Help:      "number of workflow executions currently running",
	},
)

var validationResultsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "validation_results_total",
		Help:      "number of validation results written partitioned by check and result",
	},
	[]string{checkLabel, resultLabel},
)

var importTasksTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "import_tasks_total",
		Help:      "number of import copy tasks partitioned by kind and result code",
	},
	[]string{kindLabel, resultCodeLabel},
)

var catalogMessagesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "catalog_messages_total",
		Help:      "number of catalog queue messages handled partitioned by type and outcome",
	},
	[]string{typeLabel, outcomeLabel},
)

// IncreaseExecutionsTotal counts an execution reaching a terminal status.
func IncreaseExecutionsTotal(status string) {
	executionsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

// IncreaseStatesEntered counts a workflow state transition.
func IncreaseStatesEntered(state string) {
	statesEnteredTotalMetric.With(prometheus.Labels{stateLabel: state}).Inc()
}

// ExecutionStarted increments the running executions gauge.
func ExecutionStarted() {
	runningExecutionsMetric.Inc()
}

// ExecutionStopped decrements the running executions gauge.
func ExecutionStopped() {
	runningExecutionsMetric.Dec()
}

// IncreaseValidationResults counts a written validation result.
func IncreaseValidationResults(check, result string) {
	validationResultsTotalMetric.With(prometheus.Labels{
		checkLabel:  check,
		resultLabel: result,
	}).Inc()
}

// IncreaseImportTasks counts a finished import copy task.
func IncreaseImportTasks(kind, resultCode string) {
	importTasksTotalMetric.With(prometheus.Labels{
		kindLabel:       kind,
		resultCodeLabel: resultCode,
	}).Inc()
}

// IncreaseCatalogMessages counts a handled catalog queue message.
func IncreaseCatalogMessages(msgType, outcome string) {
	catalogMessagesTotalMetric.With(prometheus.Labels{
		typeLabel:    msgType,
		outcomeLabel: outcome,
	}).Inc()
}

var apiMiddleware = NewMiddleware("api")

// HTTPMiddleware records request metrics of the API server.
func HTTPMiddleware(next http.Handler) http.Handler {
	return apiMiddleware.Handler(next)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(executionsTotalMetric)
	prometheus.MustRegister(statesEnteredTotalMetric)
	prometheus.MustRegister(runningExecutionsMetric)
	prometheus.MustRegister(validationResultsTotalMetric)
	prometheus.MustRegister(importTasksTotalMetric)
	prometheus.MustRegister(catalogMessagesTotalMetric)
	apiMiddleware.MustRegister(prometheus.DefaultRegisterer)
}
