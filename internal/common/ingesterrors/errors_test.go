package ingesterrors

import (
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsNetworkError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":                {nil, false},
		"generic":            {errors.New("foo"), false},
		"eof":                {io.EOF, true},
		"unexpected eof":     {io.ErrUnexpectedEOF, true},
		"connection refused": {syscall.ECONNREFUSED, true},
		"op error":           {&net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		"dns error":          {&net.DNSError{Name: "db"}, true},
		"wrapped":            {errors.WithMessage(syscall.ECONNRESET, "writing chunk"), true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsNetworkError(tc.err))
		})
	}
}

func TestIsRetryablePostgresError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":                   {nil, false},
		"generic":               {errors.New("foo"), false},
		"network":               {&net.OpError{Op: "read", Err: errors.New("reset")}, true},
		"serialization failure": {&pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		"deadlock":              {&pgconn.PgError{Code: pgerrcode.DeadlockDetected}, true},
		"connection exception":  {&pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		"admin shutdown":        {&pgconn.PgError{Code: pgerrcode.AdminShutdown}, true},
		"too many connections":  {&pgconn.PgError{Code: pgerrcode.TooManyConnections}, true},
		"unique violation":      {&pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		"not null violation":    {&pgconn.PgError{Code: pgerrcode.NotNullViolation}, false},
		"bad text":              {&pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation}, false},
		"wrapped retryable":     {errors.WithMessage(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}, "inserting rows"), true},
		"wrapped fatal":         {errors.Wrap(&pgconn.PgError{Code: pgerrcode.CheckViolation}, "inserting rows"), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryablePostgresError(tc.err))
		})
	}
}

func TestIsRetryableRedisError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":           {nil, false},
		"generic":       {errors.New("foo"), false},
		"max clients":   {errors.New("ERR max number of clients reached"), true},
		"loading":       {errors.New("LOADING Redis is loading the dataset in memory"), true},
		"readonly":      {errors.New("READONLY You can't write against a read only replica."), true},
		"clusterdown":   {errors.New("CLUSTERDOWN The cluster is down"), true},
		"tryagain":      {errors.New("TRYAGAIN Command cannot be processed"), true},
		"busygroup":     {errors.New("BUSYGROUP Consumer Group name already exists"), false},
		"network error": {syscall.EPIPE, true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableRedisError(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `resource "01H" of type "job" does not exist`, (&ErrNotFound{Type: "job", Value: "01H"}).Error())
	assert.Equal(t, `resource "01H" already exists`, (&ErrAlreadyExists{Value: "01H"}).Error())
	assert.Equal(
		t,
		`value "0" is invalid for field "chunkSize"; must be positive`,
		(&ErrInvalidArgument{Name: "chunkSize", Value: "0", Message: "must be positive"}).Error(),
	)
	assert.Equal(t, "circuit breaker for postgres is open; retry after 30s", (&ErrCircuitOpen{Dependency: "postgres", RetryAfter: "30s"}).Error())
}
