package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/jobdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/orchestrator"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/progress"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/health"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
)

func TestHandleUpload(t *testing.T) {
	s, submitter, _ := testServer(t)
	body, contentType := multipartBody(t, "file", "invoices.csv", "Invoice ID,Quantity\nINV-1,2\n")

	response := do(t, s, http.MethodPost, "/bulk-upload", contentType, body)
	require.Equal(t, http.StatusAccepted, response.Code)

	var job jobResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.JobId)
	assert.Equal(t, "invoices.csv", job.FileName)
	assert.Equal(t, int64(7), job.DeclaredRowCount)
	assert.Equal(t, 2, job.ChunkCount)

	require.Len(t, submitter.requests, 1)
	request := submitter.requests[0]
	assert.Equal(t, "invoices.csv", request.FileName)
	staged, err := os.ReadFile(request.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, "Invoice ID,Quantity\nINV-1,2\n", string(staged))
	assert.Equal(t, int64(len(staged)), request.FileSize)
}

func TestHandleUpload_OversizedBody(t *testing.T) {
	s, submitter, _ := testServer(t)
	s.config.MaxUploadBytes = 64
	body, contentType := multipartBody(t, "file", "big.csv", strings.Repeat("x", 1024))

	response := do(t, s, http.MethodPost, "/bulk-upload", contentType, body)
	require.Equal(t, http.StatusRequestEntityTooLarge, response.Code)
	assert.Equal(t, "file_too_large", decodeError(t, response).Code)
	assert.Empty(t, submitter.requests)

	// The partial spool must not linger in the staging directory.
	entries, err := os.ReadDir(s.config.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandleUpload_MissingFileField(t *testing.T) {
	s, submitter, _ := testServer(t)
	body, contentType := multipartBody(t, "attachment", "invoices.csv", "data")

	response := do(t, s, http.MethodPost, "/bulk-upload", contentType, body)
	require.Equal(t, http.StatusBadRequest, response.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, response).Code)
	assert.Empty(t, submitter.requests)
}

func TestHandleUpload_NotMultipart(t *testing.T) {
	s, _, _ := testServer(t)
	response := do(t, s, http.MethodPost, "/bulk-upload", "text/plain", bytes.NewBufferString("not a form"))
	require.Equal(t, http.StatusBadRequest, response.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, response).Code)
}

func TestHandleUpload_SubmitErrorRemovesStagedFile(t *testing.T) {
	s, submitter, _ := testServer(t)
	submitter.submitErr = &ingesterrors.ErrInvalidArgument{Name: "file", Message: "missing required columns"}
	body, contentType := multipartBody(t, "file", "bad.csv", "No,Header\n")

	response := do(t, s, http.MethodPost, "/bulk-upload", contentType, body)
	require.Equal(t, http.StatusBadRequest, response.Code)

	entries, err := os.ReadDir(s.config.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandleUpload_CircuitOpen(t *testing.T) {
	s, submitter, _ := testServer(t)
	submitter.submitErr = &ingesterrors.ErrCircuitOpen{Dependency: "postgres", RetryAfter: "30s"}
	body, contentType := multipartBody(t, "file", "invoices.csv", "data\n")

	response := do(t, s, http.MethodPost, "/bulk-upload", contentType, body)
	require.Equal(t, http.StatusServiceUnavailable, response.Code)
	assert.Equal(t, "30", response.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable", decodeError(t, response).Code)
}

func TestHandleStatus(t *testing.T) {
	s, _, store := testServer(t)
	now := time.Now()
	store.jobs["job-1"] = &model.UploadJob{
		JobId:            "job-1",
		FileName:         "invoices.csv",
		Status:           model.JobProcessing,
		DeclaredRowCount: 100,
		ProcessedRows:    40,
		ChunkCount:       2,
		CreatedAt:        now,
		StartedAt:        &now,
	}

	response := do(t, s, http.MethodGet, "/bulk-upload/job-1/status", "", nil)
	require.Equal(t, http.StatusOK, response.Code)
	var job jobResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &job))
	assert.Equal(t, "processing", job.Status)
	assert.Equal(t, int64(40), job.ProcessedRows)

	response = do(t, s, http.MethodGet, "/bulk-upload/no-such-job/status", "", nil)
	require.Equal(t, http.StatusNotFound, response.Code)
	assert.Equal(t, "not_found", decodeError(t, response).Code)
}

func TestHandleProgress(t *testing.T) {
	s, _, _ := testServer(t)
	s.tracker.Update(&progress.Snapshot{
		JobId:            "job-1",
		Status:           model.JobProcessing,
		DeclaredRowCount: 100,
		ProcessedRows:    50,
		PercentComplete:  50,
	})

	response := do(t, s, http.MethodGet, "/bulk-upload/job-1/progress", "", nil)
	require.Equal(t, http.StatusOK, response.Code)
	var snapshot progress.Snapshot
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &snapshot))
	assert.Equal(t, float64(50), snapshot.PercentComplete)

	response = do(t, s, http.MethodGet, "/bulk-upload/no-such-job/progress", "", nil)
	require.Equal(t, http.StatusNotFound, response.Code)
}

func TestHandleErrors(t *testing.T) {
	s, _, store := testServer(t)
	store.jobs["job-1"] = &model.UploadJob{JobId: "job-1", Status: model.JobPartiallyCompleted}
	store.errors = []*model.ProcessingError{
		{JobId: "job-1", ChunkIndex: 0, RowNumber: 37, Column: "Quantity", Severity: model.SeverityValidation, Message: "quantity is required", RawData: "INV-37,,"},
	}

	response := do(t, s, http.MethodGet, "/bulk-upload/job-1/errors?severity=validation&limit=10&offset=5", "", nil)
	require.Equal(t, http.StatusOK, response.Code)
	var list errorListResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.TotalErrors)
	require.Len(t, list.Errors, 1)
	assert.Equal(t, int64(37), list.Errors[0].RowNumber)
	assert.Equal(t, "validation", list.Errors[0].Severity)

	require.Len(t, store.listCalls, 1)
	assert.Equal(t, model.SeverityValidation, store.listCalls[0].severity)
	assert.Equal(t, 10, store.listCalls[0].limit)
	assert.Equal(t, 5, store.listCalls[0].offset)
}

func TestHandleErrors_BadParameters(t *testing.T) {
	s, _, store := testServer(t)
	store.jobs["job-1"] = &model.UploadJob{JobId: "job-1"}

	tests := map[string]string{
		"unknown severity": "/bulk-upload/job-1/errors?severity=nonsense",
		"negative limit":   "/bulk-upload/job-1/errors?limit=-1",
		"bad offset":       "/bulk-upload/job-1/errors?offset=two",
	}
	for name, url := range tests {
		t.Run(name, func(t *testing.T) {
			response := do(t, s, http.MethodGet, url, "", nil)
			require.Equal(t, http.StatusBadRequest, response.Code)
			assert.Equal(t, "invalid_argument", decodeError(t, response).Code)
		})
	}
}

func TestHandleErrors_UnknownJob(t *testing.T) {
	s, _, _ := testServer(t)
	response := do(t, s, http.MethodGet, "/bulk-upload/no-such-job/errors", "", nil)
	require.Equal(t, http.StatusNotFound, response.Code)
}

func TestHandleCancel(t *testing.T) {
	s, submitter, store := testServer(t)
	store.jobs["job-1"] = &model.UploadJob{JobId: "job-1", Status: model.JobProcessing, CancelRequested: true}

	response := do(t, s, http.MethodPost, "/bulk-upload/job-1/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, response.Code)
	var job jobResponse
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &job))
	assert.True(t, job.CancelRequested)
	assert.Equal(t, []string{"job-1"}, submitter.cancelled)
}

func TestHandleCancel_TerminalJobConflicts(t *testing.T) {
	s, submitter, _ := testServer(t)
	submitter.cancelErr = &ingesterrors.ErrAlreadyExists{Type: "job", Value: "job-1", Message: "already completed"}

	response := do(t, s, http.MethodPost, "/bulk-upload/job-1/cancel", "", nil)
	require.Equal(t, http.StatusConflict, response.Code)
	assert.Equal(t, "already_exists", decodeError(t, response).Code)
}

func TestHandleEvents(t *testing.T) {
	s, _, _ := testServer(t)
	s.tracker.Update(&progress.Snapshot{JobId: "job-1", Status: model.JobProcessing, DeclaredRowCount: 100, ProcessedRows: 10})
	httpServer := httptest.NewServer(s.Handler())
	t.Cleanup(httpServer.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsUrl(httpServer, "/bulk-upload/job-1/events"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	first := readSnapshot(t, conn)
	assert.Equal(t, int64(10), first.ProcessedRows)

	now := time.Now()
	s.hub.Publish(&progress.Snapshot{JobId: "job-1", Status: model.JobCompleted, DeclaredRowCount: 100, ProcessedRows: 100, CompletedAt: &now})
	terminal := readSnapshot(t, conn)
	assert.Equal(t, model.JobCompleted, terminal.Status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestHandleEvents_UnknownJob(t *testing.T) {
	s, _, _ := testServer(t)
	httpServer := httptest.NewServer(s.Handler())
	t.Cleanup(httpServer.Close)

	_, response, err := websocket.DefaultDialer.Dial(wsUrl(httpServer, "/bulk-upload/no-such-job/events"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, response)
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestHealth(t *testing.T) {
	s, _, _ := testServer(t)
	response := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusNoContent, response.Code)

	starting := health.NewStartupCompleteChecker()
	s.checker = starting
	response = do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, response.Code)
}

func testServer(t *testing.T) (*Server, *stubSubmitter, *stubStore) {
	t.Helper()
	store := newStubStore()
	submitter := &stubSubmitter{}
	tracker := progress.NewTracker(store, nil)
	hub := progress.NewHub(10*time.Millisecond, nil, metrics.Get())
	checker := health.NewStartupCompleteChecker()
	checker.MarkComplete()
	config := configuration.BulkIngesterConfiguration{
		StagingDir:     t.TempDir(),
		MaxUploadBytes: 1 << 20,
	}
	return NewServer(config, submitter, store, tracker, hub, checker), submitter, store
}

func do(t *testing.T, s *Server, method, url, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	request := httptest.NewRequest(method, url, body)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, request)
	return recorder
}

func multipartBody(t *testing.T, field, fileName, contents string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func decodeError(t *testing.T, response *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
	return body.Error
}

func wsUrl(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func readSnapshot(t *testing.T, conn *websocket.Conn) *progress.Snapshot {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	snapshot := &progress.Snapshot{}
	require.NoError(t, conn.ReadJSON(snapshot))
	return snapshot
}

type stubSubmitter struct {
	submitErr error
	cancelErr error
	requests  []*orchestrator.SubmitRequest
	cancelled []string
}

func (s *stubSubmitter) Submit(ctx context.Context, request *orchestrator.SubmitRequest) (*model.UploadJob, error) {
	s.requests = append(s.requests, request)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &model.UploadJob{
		JobId:            "job-1",
		FileName:         request.FileName,
		FileSize:         request.FileSize,
		StagedPath:       request.StagedPath,
		DeclaredRowCount: 7,
		Status:           model.JobProcessing,
		ChunkCount:       2,
		CreatedAt:        time.Now(),
	}, nil
}

func (s *stubSubmitter) Cancel(ctx context.Context, jobId string) error {
	s.cancelled = append(s.cancelled, jobId)
	return s.cancelErr
}

type listCall struct {
	severity model.ErrorSeverity
	limit    int
	offset   int
}

type stubStore struct {
	jobs      map[string]*model.UploadJob
	errors    []*model.ProcessingError
	listCalls []listCall
}

func newStubStore() *stubStore {
	return &stubStore{jobs: map[string]*model.UploadJob{}}
}

func (s *stubStore) GetJob(ctx context.Context, jobId string) (*model.UploadJob, error) {
	job, ok := s.jobs[jobId]
	if !ok {
		return nil, &ingesterrors.ErrNotFound{Type: "job", Value: jobId}
	}
	return job, nil
}

func (s *stubStore) ListErrors(ctx context.Context, jobId string, severity model.ErrorSeverity, limit, offset int) ([]*model.ProcessingError, error) {
	s.listCalls = append(s.listCalls, listCall{severity: severity, limit: limit, offset: offset})
	var result []*model.ProcessingError
	for _, e := range s.errors {
		if e.JobId == jobId {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *stubStore) CountErrors(ctx context.Context, jobId string) (int64, error) {
	var count int64
	for _, e := range s.errors {
		if e.JobId == jobId {
			count++
		}
	}
	return count, nil
}

func (s *stubStore) OutstandingChunks(ctx context.Context, jobId string) ([]*model.Chunk, error) {
	return nil, nil
}

func (s *stubStore) InsertJobWithChunks(ctx context.Context, job *model.UploadJob, chunks []*model.Chunk) error {
	panic("implement me")
}

func (s *stubStore) GetChunk(ctx context.Context, jobId string, chunkIndex int) (*model.Chunk, error) {
	panic("implement me")
}

func (s *stubStore) ListChunks(ctx context.Context, jobId string) ([]*model.Chunk, error) {
	panic("implement me")
}

func (s *stubStore) MarkJobProcessing(ctx context.Context, jobId string) error {
	panic("implement me")
}

func (s *stubStore) MarkChunkProcessing(ctx context.Context, jobId string, chunkIndex int) (int, error) {
	panic("implement me")
}

func (s *stubStore) CompleteChunk(ctx context.Context, result *jobdb.ChunkResult) (*model.UploadJob, int, error) {
	panic("implement me")
}

func (s *stubStore) RequestCancel(ctx context.Context, jobId string) error {
	panic("implement me")
}
