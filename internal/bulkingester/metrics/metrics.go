package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation     string
	BrokerOperation string
	RowOutcome      string
)

const (
	DBOperationRead            DBOperation = "read"
	DBOperationInsert          DBOperation = "insert"
	DBOperationUpdate          DBOperation = "update"
	DBOperationCreateTempTable DBOperation = "create_temp_table"

	BrokerOperationEnqueue    BrokerOperation = "enqueue"
	BrokerOperationClaim      BrokerOperation = "claim"
	BrokerOperationAck        BrokerOperation = "ack"
	BrokerOperationNack       BrokerOperation = "nack"
	BrokerOperationDeadLetter BrokerOperation = "dead_letter"

	RowOutcomeInserted         RowOutcome = "inserted"
	RowOutcomeDuplicate        RowOutcome = "duplicate"
	RowOutcomeFailedValidation RowOutcome = "failed_validation"
	RowOutcomeFailedDatabase   RowOutcome = "failed_database"
	RowOutcomeFailedFatal      RowOutcome = "failed_fatal"
)

const BulkIngesterMetricsPrefix = "bulkingester_"

var chunkProcessingTimeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    BulkIngesterMetricsPrefix + "chunk_processing_seconds",
		Help:    "Time taken to fully process one chunk, including database retries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	},
)

var jobDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    BulkIngesterMetricsPrefix + "job_duration_seconds",
		Help:    "Time from job submission to its terminal status",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	},
	[]string{"status"},
)

var dbRequestHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    BulkIngesterMetricsPrefix + "db_request_seconds",
		Help:    "Time taken by individual database requests grouped by pool method",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	},
	[]string{"method"},
)

type Metrics struct {
	dbErrorsCounter      *prometheus.CounterVec
	brokerErrorsCounter  *prometheus.CounterVec
	rowsCounter          *prometheus.CounterVec
	chunkAttemptsCounter *prometheus.CounterVec
	jobsCompletedCounter *prometheus.CounterVec
	breakerStateGauge    *prometheus.GaugeVec
	poolConnectionsGauge *prometheus.GaugeVec
	progressClientsGauge prometheus.Gauge
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		dbErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
		brokerErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "broker_errors",
			Help: "Number of chunk queue errors grouped by operation",
		}, []string{"operation"}),
		rowsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "rows",
			Help: "Number of ingested CSV data rows grouped by outcome",
		}, []string{"outcome"}),
		chunkAttemptsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "chunk_attempts",
			Help: "Number of chunk processing attempts grouped by outcome",
		}, []string{"outcome"}),
		jobsCompletedCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "jobs_completed",
			Help: "Number of upload jobs that reached a terminal status",
		}, []string{"status"}),
		breakerStateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "circuit_breaker_state",
			Help: "Circuit breaker state per dependency: 0 closed, 1 half open, 2 open",
		}, []string{"dependency"}),
		poolConnectionsGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "db_connections",
			Help: "Postgres connection pool usage grouped by connection state",
		}, []string{"state"}),
		progressClientsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "progress_clients",
			Help: "Number of connected progress websocket clients",
		}),
	}
}

var m = NewMetrics(BulkIngesterMetricsPrefix)

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordBrokerError(operation BrokerOperation) {
	m.brokerErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordRows(outcome RowOutcome, numRows int) {
	m.rowsCounter.With(map[string]string{"outcome": string(outcome)}).Add(float64(numRows))
}

func (m *Metrics) RecordChunkAttempt(outcome string) {
	m.chunkAttemptsCounter.With(map[string]string{"outcome": outcome}).Inc()
}

func (m *Metrics) RecordChunkProcessingTime(duration time.Duration) {
	chunkProcessingTimeHist.Observe(duration.Seconds())
}

func (m *Metrics) RecordJobCompleted(status string, duration time.Duration) {
	m.jobsCompletedCounter.With(map[string]string{"status": status}).Inc()
	jobDurationHist.With(map[string]string{"status": status}).Observe(duration.Seconds())
}

func (m *Metrics) ObserveDBRequest(method string, duration time.Duration) {
	dbRequestHist.With(map[string]string{"method": method}).Observe(duration.Seconds())
}

func (m *Metrics) RecordPoolConnections(acquired, idle, max int32) {
	m.poolConnectionsGauge.With(map[string]string{"state": "acquired"}).Set(float64(acquired))
	m.poolConnectionsGauge.With(map[string]string{"state": "idle"}).Set(float64(idle))
	m.poolConnectionsGauge.With(map[string]string{"state": "max"}).Set(float64(max))
}

func (m *Metrics) RecordCircuitBreakerState(dependency string, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerStateGauge.With(map[string]string{"dependency": dependency}).Set(v)
}

func (m *Metrics) RecordProgressClients(delta int) {
	m.progressClientsGauge.Add(float64(delta))
}
