// Package server is the HTTP front door of the bulk ingester. It stays
// thin: multipart spooling and wire mapping live here, everything else is
// delegated to the orchestrator, the job store and the progress tracker.
package server

import (
	"context"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/jobdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/orchestrator"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/progress"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/health"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
)

const (
	defaultErrorPageSize = 100
	maxErrorPageSize     = 1000
)

// Submitter accepts uploads and cancel requests on behalf of the worker
// pool.
type Submitter interface {
	Submit(ctx context.Context, request *orchestrator.SubmitRequest) (*model.UploadJob, error)
	Cancel(ctx context.Context, jobId string) error
}

type Server struct {
	config    configuration.BulkIngesterConfiguration
	submitter Submitter
	store     jobdb.JobStore
	tracker   *progress.Tracker
	hub       *progress.Hub
	checker   health.Checker
	upgrader  websocket.Upgrader
}

func NewServer(
	config configuration.BulkIngesterConfiguration,
	submitter Submitter,
	store jobdb.JobStore,
	tracker *progress.Tracker,
	hub *progress.Hub,
	checker health.Checker,
) *Server {
	return &Server{
		config:    config,
		submitter: submitter,
		store:     store,
		tracker:   tracker,
		hub:       hub,
		checker:   checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/bulk-upload", s.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/bulk-upload/{jobId}/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/bulk-upload/{jobId}/progress", s.handleProgress).Methods(http.MethodGet)
	router.HandleFunc("/bulk-upload/{jobId}/errors", s.handleErrors).Methods(http.MethodGet)
	router.HandleFunc("/bulk-upload/{jobId}/cancel", s.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/bulk-upload/{jobId}/events", s.handleEvents).Methods(http.MethodGet)
	router.Handle("/health", health.NewHealthCheckHttpHandler(s.checker)).Methods(http.MethodGet)
	return router
}

// handleUpload spools the multipart file field to the staging directory and
// registers the upload as a job. The request body is capped at
// MaxUploadBytes; crossing the cap aborts the spool and returns 413.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, &ingesterrors.ErrInvalidArgument{
			Name:    "request",
			Value:   r.Header.Get("Content-Type"),
			Message: "expected a multipart upload: " + err.Error(),
		})
		return
	}
	part, err := findFilePart(reader)
	if err != nil {
		writeError(w, err)
		return
	}
	fileName := part.FileName()
	stagedPath, written, err := s.spool(part)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.submitter.Submit(r.Context(), &orchestrator.SubmitRequest{
		FileName:   fileName,
		FileSize:   written,
		StagedPath: stagedPath,
	})
	if err != nil {
		// The job was not created, so nobody else will clean up the file.
		if removeErr := os.Remove(stagedPath); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			log.WithError(removeErr).Warnf("Error removing staged file %s", stagedPath)
		}
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusAccepted, jobFromModel(job))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, jobFromModel(job))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.tracker.Snapshot(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, snapshot)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	jobId := mux.Vars(r)["jobId"]
	severity, err := parseSeverity(r.URL.Query().Get("severity"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseIntParam(r, "limit", defaultErrorPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit > maxErrorPageSize {
		limit = maxErrorPageSize
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.store.GetJob(r.Context(), jobId); err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.CountErrors(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	processingErrors, err := s.store.ListErrors(r.Context(), jobId, severity, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	response := &errorListResponse{JobId: jobId, TotalErrors: total, Errors: make([]*errorRecord, 0, len(processingErrors))}
	for _, e := range processingErrors {
		response.Errors = append(response.Errors, errorFromModel(e))
	}
	writeJson(w, http.StatusOK, response)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobId := mux.Vars(r)["jobId"]
	if err := s.submitter.Cancel(r.Context(), jobId); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusAccepted, jobFromModel(job))
}

// handleEvents upgrades the request to a websocket and streams progress
// snapshots until the job finishes or the client goes away. Unknown jobs
// are rejected before the upgrade so the client gets a plain 404.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobId := mux.Vars(r)["jobId"]
	snapshot, err := s.tracker.Snapshot(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		log.WithError(err).Warn("Error upgrading progress stream request")
		return
	}
	defer conn.Close()
	s.hub.Serve(r.Context(), conn, jobId, snapshot)
}

func findFilePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, &ingesterrors.ErrInvalidArgument{Name: "file", Message: "multipart field \"file\" is missing"}
		}
		if err != nil {
			return nil, asUploadError(err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
	}
}

// spool copies the upload into a fresh file in the staging directory and
// returns its path and size. The file is removed again if the copy fails.
func (s *Server) spool(part io.Reader) (string, int64, error) {
	staged, err := os.CreateTemp(s.config.StagingDir, "upload-*.csv")
	if err != nil {
		return "", 0, errors.WithStack(err)
	}
	written, err := io.Copy(staged, part)
	if closeErr := staged.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(staged.Name()); removeErr != nil {
			log.WithError(removeErr).Warnf("Error removing staged file %s", staged.Name())
		}
		return "", 0, asUploadError(err)
	}
	return staged.Name(), written, nil
}

// asUploadError keeps size-cap and local write errors intact for status
// mapping and turns everything else into a 400: a failure halfway through
// reading the body is a client-side problem.
func asUploadError(err error) error {
	var maxBytes *http.MaxBytesError
	var pathErr *fs.PathError
	if errors.As(err, &maxBytes) || errors.As(err, &pathErr) {
		return err
	}
	return &ingesterrors.ErrInvalidArgument{Name: "file", Message: "malformed upload: " + err.Error()}
}
