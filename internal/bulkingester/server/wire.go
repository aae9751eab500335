package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
)

type jobResponse struct {
	JobId            string     `json:"job_id"`
	FileName         string     `json:"file_name"`
	FileSize         int64      `json:"file_size"`
	Status           string     `json:"status"`
	DeclaredRowCount int64      `json:"declared_row_count"`
	ChunkCount       int        `json:"chunk_count"`
	ProcessedRows    int64      `json:"processed_rows"`
	FailedRows       int64      `json:"failed_rows"`
	DuplicateRows    int64      `json:"duplicate_rows"`
	CancelRequested  bool       `json:"cancel_requested,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func jobFromModel(job *model.UploadJob) *jobResponse {
	return &jobResponse{
		JobId:            job.JobId,
		FileName:         job.FileName,
		FileSize:         job.FileSize,
		Status:           string(job.Status),
		DeclaredRowCount: job.DeclaredRowCount,
		ChunkCount:       job.ChunkCount,
		ProcessedRows:    job.ProcessedRows,
		FailedRows:       job.FailedRows,
		DuplicateRows:    job.DuplicateRows,
		CancelRequested:  job.CancelRequested,
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
}

type errorRecord struct {
	ChunkIndex int    `json:"chunk_index"`
	RowNumber  int64  `json:"row_number"`
	Column     string `json:"column,omitempty"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	RawData    string `json:"raw_data,omitempty"`
}

type errorListResponse struct {
	JobId       string         `json:"job_id"`
	TotalErrors int64          `json:"total_errors"`
	Errors      []*errorRecord `json:"errors"`
}

func errorFromModel(e *model.ProcessingError) *errorRecord {
	return &errorRecord{
		ChunkIndex: e.ChunkIndex,
		RowNumber:  e.RowNumber,
		Column:     e.Column,
		Severity:   string(e.Severity),
		Message:    e.Message,
		RawData:    e.RawData,
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Error writing response body")
	}
}

// writeError translates domain errors into status codes: bad input 400,
// unknown job 404, conflicting state 409, oversized upload 413 and an open
// circuit breaker 503 with a Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	var invalid *ingesterrors.ErrInvalidArgument
	var notFound *ingesterrors.ErrNotFound
	var alreadyExists *ingesterrors.ErrAlreadyExists
	var circuitOpen *ingesterrors.ErrCircuitOpen
	switch {
	case errors.As(err, &maxBytes):
		writeJson(w, http.StatusRequestEntityTooLarge, &errorBody{errorDetail{Code: "file_too_large", Message: err.Error()}})
	case errors.As(err, &invalid):
		writeJson(w, http.StatusBadRequest, &errorBody{errorDetail{Code: "invalid_argument", Message: invalid.Error()}})
	case errors.As(err, &notFound):
		writeJson(w, http.StatusNotFound, &errorBody{errorDetail{Code: "not_found", Message: notFound.Error()}})
	case errors.As(err, &alreadyExists):
		writeJson(w, http.StatusConflict, &errorBody{errorDetail{Code: "already_exists", Message: alreadyExists.Error()}})
	case errors.As(err, &circuitOpen):
		if retryAfter := retryAfterSeconds(circuitOpen.RetryAfter); retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		writeJson(w, http.StatusServiceUnavailable, &errorBody{errorDetail{Code: "unavailable", Message: circuitOpen.Error()}})
	default:
		log.WithError(err).Error("Error handling request")
		writeJson(w, http.StatusInternalServerError, &errorBody{errorDetail{Code: "internal", Message: "internal server error"}})
	}
}

// retryAfterSeconds renders a breaker cool-down as the whole seconds the
// Retry-After header wants, rounding up so clients never probe early.
func retryAfterSeconds(value string) string {
	d, err := time.ParseDuration(value)
	if err != nil {
		return ""
	}
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func parseSeverity(value string) (model.ErrorSeverity, error) {
	switch value {
	case "":
		return "", nil
	case string(model.SeverityValidation), string(model.SeverityDuplicateConflict), string(model.SeverityDatabase), string(model.SeverityFatal):
		return model.ErrorSeverity(value), nil
	default:
		return "", &ingesterrors.ErrInvalidArgument{Name: "severity", Value: value, Message: "unknown severity"}
	}
}

func parseIntParam(r *http.Request, name string, fallback int) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, &ingesterrors.ErrInvalidArgument{Name: name, Value: value, Message: "must be a non-negative integer"}
	}
	return parsed, nil
}
