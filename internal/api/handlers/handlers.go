// Package handlers implements the JSON/multipart HTTP contracts of the
// ingestion and serving API: decode, validate, call a dependency, respond
// through httpjson.Write/Fail.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/blobstore"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/httpjson"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/registry"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Trainer is notified after a successful upload; satisfied by
// *orchestrator.Orchestrator. Handlers depend on this narrow interface
// rather than the whole orchestrator package to keep the API -> Orchestrator
// dependency edge one-directional and easy to fake in tests.
type Trainer interface {
	Notify()
}

const allowedUploadExt = ".bin"

// Handlers holds the dependencies every endpoint needs.
type Handlers struct {
	Store    store.Store
	Blobs    blobstore.BlobStore
	Registry *registry.Registry
	Trainer  Trainer
	Cfg      *config.Config

	startedAt time.Time
}

func New(s store.Store, b blobstore.BlobStore, r *registry.Registry, t Trainer, cfg *config.Config) *Handlers {
	return &Handlers{Store: s, Blobs: b, Registry: r, Trainer: t, Cfg: cfg, startedAt: time.Now()}
}

type feedbackPayload struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type interactionPayload struct {
	ID              string           `json:"id"`
	Timestamp       time.Time        `json:"timestamp"`
	UserMessage     string           `json:"userMessage"`
	AIResponse      string           `json:"aiResponse"`
	DetectedIntent  string           `json:"detectedIntent"`
	ConfidenceScore float64          `json:"confidenceScore"`
	Feedback        *feedbackPayload `json:"feedback,omitempty"`
}

type learnRequest struct {
	DeviceID     string               `json:"deviceId"`
	AppVersion   string               `json:"appVersion"`
	ModelVersion string               `json:"modelVersion"`
	OSVersion    string               `json:"osVersion"`
	Interactions []interactionPayload `json:"interactions"`
}

// Learn handles POST /api/ai/learn: an ingest batch of interactions with
// optional feedback, committed atomically.
func (h *Handlers) Learn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := decodeJSON(r, &req); err != nil {
		httpjson.Fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		httpjson.Fail(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	batch := make([]store.InteractionBatch, 0, len(req.Interactions))
	dropped := 0
	for _, ip := range req.Interactions {
		if ip.ID == "" || ip.DetectedIntent == "" {
			log.Warn().Str("device_id", req.DeviceID).Str("interaction_id", ip.ID).
				Msg("⚠️ dropping interaction missing id or detectedIntent")
			dropped++
			continue
		}
		ts := ip.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		ib := store.InteractionBatch{
			Interaction: models.Interaction{
				ID:             ip.ID,
				DeviceID:       req.DeviceID,
				Timestamp:      ts,
				UserMessage:    ip.UserMessage,
				AIResponse:     ip.AIResponse,
				DetectedIntent: ip.DetectedIntent,
				Confidence:     ip.ConfidenceScore,
				AppVersion:     req.AppVersion,
				ModelVersion:   req.ModelVersion,
				OSVersion:      req.OSVersion,
				CreatedAt:      time.Now(),
			},
		}
		if ip.Feedback != nil {
			ib.Feedback = &models.Feedback{
				InteractionID: ip.ID,
				Rating:        ip.Feedback.Rating,
				Comment:       ip.Feedback.Comment,
			}
		}
		batch = append(batch, ib)
	}

	if err := h.Store.UpsertInteractions(r.Context(), batch); err != nil {
		httpjson.FailError(w, err)
		return
	}

	latest, downloadURL, err := h.latestVersionInfo(r.Context())
	if err != nil {
		httpjson.FailError(w, err)
		return
	}
	msg := fmt.Sprintf("recorded %d interaction(s)", len(batch))
	if dropped > 0 {
		msg += fmt.Sprintf(", dropped %d malformed interaction(s)", dropped)
	}
	httpjson.Write(w, http.StatusOK, map[string]any{
		"success":            true,
		"message":            msg,
		"latestModelVersion": latest,
		"modelDownloadURL":   downloadURL,
	})
}

// UploadModel handles POST /api/ai/upload-model: a multipart upload of a
// locally trained classifier artifact.
func (h *Handlers) UploadModel(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(h.Cfg.MaxUploadSizeMB) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpjson.Fail(w, http.StatusBadRequest, "could not parse multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("model")
	if err != nil {
		httpjson.Fail(w, http.StatusBadRequest, "missing model file")
		return
	}
	defer file.Close()

	if !hasAllowedExtension(header.Filename) {
		httpjson.Fail(w, http.StatusBadRequest, fmt.Sprintf("model file must have extension %q", allowedUploadExt))
		return
	}

	deviceID := r.FormValue("deviceId")
	appVersion := r.FormValue("appVersion")
	description := r.FormValue("description")
	if deviceID == "" {
		httpjson.Fail(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	id := uuid.NewString()
	key := fmt.Sprintf("uploaded/model_%s_%d%s", deviceID, time.Now().Unix(), allowedUploadExt)

	size, err := h.putUploadedBlob(r, key, file)
	if err != nil {
		httpjson.FailError(w, err)
		return
	}

	uploaded := models.UploadedModel{
		ID:               id,
		DeviceID:         deviceID,
		AppVersion:       appVersion,
		Description:      description,
		BlobRef:          "blob:" + key,
		FileSize:         size,
		OriginalFilename: header.Filename,
		UploadDate:       time.Now(),
		Status:           models.UploadPending,
	}
	if err := h.Store.InsertUploadedModel(r.Context(), uploaded); err != nil {
		httpjson.FailError(w, err)
		return
	}

	// Upload acknowledgment precedes retraining: Notify is non-blocking, the
	// HTTP response below does not wait on a training cycle.
	if h.Trainer != nil {
		h.Trainer.Notify()
	}

	latest, downloadURL, err := h.latestVersionInfo(r.Context())
	if err != nil {
		httpjson.FailError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]any{
		"success":            true,
		"message":            "model uploaded",
		"modelId":            id,
		"latestModelVersion": latest,
		"modelDownloadURL":   downloadURL,
	})
}

func (h *Handlers) putUploadedBlob(r *http.Request, key string, file multipart.File) (int64, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return 0, fmt.Errorf("%w: read upload body: %v", apperrors.ErrInvariant, err)
	}
	if err := h.Blobs.PutModel(r.Context(), key, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// LatestModel handles GET /api/ai/latest-model.
func (h *Handlers) LatestModel(w http.ResponseWriter, r *http.Request) {
	latest, downloadURL, err := h.latestVersionInfo(r.Context())
	if err != nil {
		httpjson.FailError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]any{
		"success":            true,
		"latestModelVersion": latest,
		"modelDownloadURL":   downloadURL,
	})
}

// Stats handles GET /api/ai/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GetStats(r.Context())
	if err != nil {
		httpjson.FailError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := h.Store.Ping(r.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}

	stats, err := h.Store.GetStats(r.Context())
	modelCount := 0
	if err == nil {
		modelCount = stats.TotalModels
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	httpjson.Write(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"database":   dbStatus,
		"blob_store": h.Cfg.StorageMode,
		"scheduler":  "running",
		"model_count": modelCount,
		"memory": map[string]any{
			"allocBytes":      mem.Alloc,
			"totalAllocBytes": mem.TotalAlloc,
			"sysBytes":        mem.Sys,
			"numGC":           mem.NumGC,
		},
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startedAt).String(),
	})
}

func (h *Handlers) latestVersionInfo(ctx context.Context) (version, downloadURL string, err error) {
	v, err := h.Store.GetLatestVersion(ctx)
	if err != nil {
		return "", "", err
	}
	return v.Version, fmt.Sprintf("/api/ai/models/%s", v.Version), nil
}

func hasAllowedExtension(filename string) bool {
	return strings.HasSuffix(filename, allowedUploadExt)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
