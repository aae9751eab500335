package configuration

import (
	"fmt"
	"time"

	commonconfig "github.com/bvenu-lab/mangalm-ingest/internal/common/config"
)

type BulkIngesterConfiguration struct {
	// Port on which the ingestion HTTP API is served
	HttpPort uint16 `validate:"required"`
	// Port on which prometheus metrics are served
	MetricsPort uint16 `validate:"required"`
	// Database the invoice rows and the job bookkeeping tables are written to
	Postgres PostgresConfig
	// Redis instance backing the chunk queue
	Redis commonconfig.RedisConfig
	// Chunk queue settings
	Broker BrokerConfig
	// Number of data rows per chunk
	ChunkSize int `validate:"gt=0"`
	// Number of concurrent chunk workers
	Parallelism int `validate:"gt=0"`
	// Maximum number of deliveries per chunk before it is dead lettered
	MaxAttempts int `validate:"gt=0"`
	// Directory uploaded files are spooled to while their chunks are processed
	StagingDir string `validate:"required"`
	// Keep staged files after the job has finished instead of deleting them
	KeepStagedFiles bool
	// Largest accepted upload in bytes
	MaxUploadBytes int64 `validate:"gt=0"`
	// How rows whose total does not match quantity times unit price are treated
	AmountMismatchPolicy RowPolicy
	// Longest stored prefix of an offending CSV line
	RawDataMaxLength int `validate:"gt=0"`
	// Minimum interval between progress pushes to a websocket client
	PushInterval time.Duration `validate:"gt=0"`
	// Deduplication records older than this are purged; zero disables purging
	DedupRetention time.Duration
}

type PostgresConfig struct {
	MaxOpenConns    int32
	MinIdleConns    int32
	ConnMaxLifetime time.Duration
	Connection      map[string]string `validate:"required"`
	Breaker         CircuitBreakerConfig
}

type BrokerConfig struct {
	// Stream holding queued chunk messages
	StreamName string `validate:"required"`
	// Stream chunks are moved to once MaxAttempts deliveries have failed
	DeadLetterStreamName string `validate:"required"`
	ConsumerGroup        string `validate:"required"`
	// How long a claimed message may stay pending before another consumer
	// may steal it
	VisibilityTimeout time.Duration `validate:"gt=0"`
	// How long a read blocks waiting for new messages
	BlockInterval time.Duration `validate:"gt=0"`
	// How often pending messages are checked for visibility timeout
	ClaimInterval time.Duration `validate:"gt=0"`
	Breaker       CircuitBreakerConfig
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `validate:"gt=0"`
	ResetTimeout     time.Duration `validate:"gt=0"`
}

// RowPolicy decides what happens to a row that is suspicious but not
// strictly invalid, e.g. a row whose total disagrees with quantity times
// unit price.
type RowPolicy string

const (
	// Accept the row and record a validation warning
	RowPolicyWarn RowPolicy = "warn"
	// Fail the row
	RowPolicyReject RowPolicy = "reject"
)

// UnmarshalText lets viper decode a RowPolicy from its yaml string form.
func (p *RowPolicy) UnmarshalText(text []byte) error {
	switch RowPolicy(text) {
	case RowPolicyWarn:
		*p = RowPolicyWarn
	case RowPolicyReject:
		*p = RowPolicyReject
	default:
		return fmt.Errorf("unknown row policy %q, expected one of [warn, reject]", string(text))
	}
	return nil
}
