package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/datahub_downloader/internal/downloader"
	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
	"github.com/italolelis/datahub_downloader/internal/storage"
)

// maxBatchSize caps how many product ids one batch request may carry.
const maxBatchSize = 500

// BatchRequest is the POST /api/batches payload.
type BatchRequest struct {
	IDs       []string `json:"ids"`
	Directory string   `json:"directory"`
	Options   struct {
		FailFast         bool   `json:"fail_fast"`
		SkipVerification bool   `json:"skip_verification"`
		MaxAttempts      int    `json:"max_attempts"`
		LTATimeout       string `json:"lta_timeout"`
	} `json:"options"`
}

// BatchResponse is the accepted-batch reply.
type BatchResponse struct {
	BatchID string `json:"batch_id"`
}

// BatchStatusResponse is the GET /api/batches/{batchID} reply.
type BatchStatusResponse struct {
	BatchID    string            `json:"batch_id"`
	Directory  string            `json:"directory"`
	ProductIDs []string          `json:"product_ids"`
	Statuses   map[string]string `json:"statuses"`
	Errors     map[string]string `json:"errors,omitempty"`
	Done       bool              `json:"done"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// DownloadRecordResponse is one journal row in the GET /api/downloads reply.
type DownloadRecordResponse struct {
	ID          int64      `json:"id"`
	BatchID     string     `json:"batch_id"`
	ProductID   string     `json:"product_id"`
	Title       string     `json:"title,omitempty"`
	FilePath    string     `json:"file_path,omitempty"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RetrievalResponse is the POST /api/products/{productID}/retrieval reply.
type RetrievalResponse struct {
	Triggered bool `json:"triggered"`
}

// DataHubHandler exposes the download service over a small authenticated
// REST API.
type DataHubHandler struct {
	username  string
	password  string
	svc       *downloader.Service
	journal   storage.DownloadReadRepository
	targetDir string
}

// NewDataHubHandler creates a new handler for the download service.
func NewDataHubHandler(username, password string, svc *downloader.Service, journal storage.DownloadReadRepository, targetDir string) *DataHubHandler {
	return &DataHubHandler{
		username:  username,
		password:  password,
		svc:       svc,
		journal:   journal,
		targetDir: targetDir,
	}
}

func (h *DataHubHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/api/batches", h.HandleCreateBatch)
	r.Get("/api/batches/{batchID}", h.HandleGetBatch)
	r.Get("/api/downloads", h.HandleListDownloads)
	r.Post("/api/products/{productID}/retrieval", h.HandleTriggerRetrieval)

	return r
}

// HandleCreateBatch accepts a set of product ids and starts a background
// batch run for them.
func (h *DataHubHandler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode batch request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if len(req.IDs) == 0 {
		http.Error(w, "ids must not be empty", http.StatusBadRequest)

		return
	}

	if len(req.IDs) > maxBatchSize {
		http.Error(w, "too many product ids", http.StatusBadRequest)

		return
	}

	directory := req.Directory
	if directory == "" {
		directory = h.targetDir
	}

	var opts []downloader.CallOption

	if req.Options.FailFast {
		opts = append(opts, downloader.WithFailFast(true))
	}

	if req.Options.SkipVerification {
		opts = append(opts, downloader.WithVerification(false))
	}

	if req.Options.MaxAttempts > 0 {
		opts = append(opts, downloader.WithMaxAttempts(req.Options.MaxAttempts))
	}

	if req.Options.LTATimeout != "" {
		timeout, err := time.ParseDuration(req.Options.LTATimeout)
		if err != nil {
			http.Error(w, "invalid lta_timeout", http.StatusBadRequest)

			return
		}

		opts = append(opts, downloader.WithLTATimeout(timeout))
	}

	// The batch outlives this request; the service runs it on its own
	// base context, not the request's.
	batchID := h.svc.StartBatch(req.IDs, directory, opts...)

	logger.Info("batch accepted", "batch_id", batchID, "product_count", len(req.IDs))

	h.respond(w, r, http.StatusAccepted, BatchResponse{BatchID: batchID})
}

// HandleGetBatch reports the live state of one batch.
func (h *DataHubHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	snap, ok := h.svc.GetBatch(batchID)
	if !ok {
		http.Error(w, "batch not found", http.StatusNotFound)

		return
	}

	resp := BatchStatusResponse{
		BatchID:    snap.ID,
		Directory:  snap.Directory,
		ProductIDs: snap.ProductIDs,
		Statuses:   make(map[string]string, len(snap.Statuses)),
		Errors:     snap.Errors,
		Done:       snap.Done,
		Error:      snap.Error,
		CreatedAt:  snap.CreatedAt,
	}

	for id, status := range snap.Statuses {
		resp.Statuses[id] = status.String()
	}

	if !snap.FinishedAt.IsZero() {
		resp.FinishedAt = &snap.FinishedAt
	}

	h.respond(w, r, http.StatusOK, resp)
}

// HandleListDownloads serves the download journal.
func (h *DataHubHandler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.journal.GetDownloads(r.Context())
	if err != nil {
		logger.Error("failed to read the download journal", "err", err)
		http.Error(w, "failed to read downloads", http.StatusInternalServerError)

		return
	}

	resp := make([]DownloadRecordResponse, 0, len(records))

	for _, rec := range records {
		out := DownloadRecordResponse{
			ID:        rec.ID,
			BatchID:   rec.BatchID,
			ProductID: rec.ProductID,
			Title:     rec.Title,
			FilePath:  rec.FilePath,
			SizeBytes: rec.SizeBytes,
			Status:    rec.Status,
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt,
		}

		if !rec.CompletedAt.IsZero() {
			completedAt := rec.CompletedAt
			out.CompletedAt = &completedAt
		}

		resp = append(resp, out)
	}

	h.respond(w, r, http.StatusOK, resp)
}

// HandleTriggerRetrieval performs a one-shot archive retrieval trigger.
func (h *DataHubHandler) HandleTriggerRetrieval(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	productID := chi.URLParam(r, "productID")

	triggered, err := h.svc.TriggerRetrieval(r.Context(), productID)
	if err != nil {
		logger.Error("failed to trigger retrieval", "product_id", productID, "err", err)
		http.Error(w, err.Error(), triggerErrorStatus(err))

		return
	}

	h.respond(w, r, http.StatusOK, RetrievalResponse{Triggered: triggered})
}

func (h *DataHubHandler) respond(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (h *DataHubHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// triggerErrorStatus maps the hub error taxonomy onto response codes for
// the retrieval endpoint.
func triggerErrorStatus(err error) int {
	var notFoundErr *hub.NotFoundError
	if errors.As(err, &notFoundErr) {
		return http.StatusNotFound
	}

	var authErr *hub.UnauthorizedError
	if errors.As(err, &authErr) {
		return http.StatusBadGateway
	}

	var ltaErr *hub.LTAError
	if errors.As(err, &ltaErr) && ltaErr.Quota {
		return http.StatusTooManyRequests
	}

	return http.StatusBadGateway
}
