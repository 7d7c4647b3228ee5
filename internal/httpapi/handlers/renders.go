package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blendfarm/internal/httpkit"
	"blendfarm/internal/models"
	"blendfarm/internal/render"
	"blendfarm/internal/worker/util"
)

type CreateRenderRequest struct {
	SandboxID   string             `json:"sandbox_id"`
	FrameRange  *render.FrameRange `json:"frame_range,omitempty"`
	Parallelism int                `json:"parallelism,omitempty"`
}

func (h *Handler) PostRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRenderRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "invalid json body", nil)
		return
	}

	req.SandboxID = strings.TrimSpace(req.SandboxID)
	if req.SandboxID == "" {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "sandbox_id is required", map[string]any{"field": "sandbox_id"})
		return
	}
	if req.Parallelism < 0 || req.Parallelism == 1 {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "parallelism must be 0 or >= 2", map[string]any{"field": "parallelism"})
		return
	}
	if req.FrameRange != nil {
		if req.FrameRange.End < req.FrameRange.Start {
			httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "frame_range.end must be >= frame_range.start", map[string]any{"field": "frame_range"})
			return
		}
		if req.FrameRange.FPS < 0 {
			httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "frame_range.fps must not be negative", map[string]any{"field": "frame_range.fps"})
			return
		}
	}

	params := render.Request{
		SandboxID:   req.SandboxID,
		FrameRange:  req.FrameRange,
		Parallelism: req.Parallelism,
	}
	paramsBytes, _ := json.Marshal(params)

	run := &models.RenderRun{
		ID:         util.NewID("run"),
		SandboxID:  req.SandboxID,
		ParamsJSON: string(paramsBytes),
		Status:     models.RunStatusQueued,
	}
	if err := h.runs.Create(ctx, run); err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "db insert failed", nil)
		return
	}

	if err := h.rdb.LPush(ctx, h.queueName, run.ID).Err(); err != nil {
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "queue push failed", nil)
		return
	}

	httpkit.WriteJSON(w, 201, map[string]any{"render": run})
}

func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := 50
	if v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit"))); err == nil && v > 0 && v <= 200 {
		limit = v
	}

	runs, err := h.runs.List(ctx, status, limit)
	if err != nil {
		if httpkit.IsUndefinedTable(err) {
			httpkit.WriteJSON(w, 200, map[string]any{"renders": []any{}})
			return
		}
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "db query failed", nil)
		return
	}
	if runs == nil {
		runs = []models.RenderRun{}
	}

	httpkit.WriteJSON(w, 200, map[string]any{"renders": runs})
}

func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "renderId")

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "render run not found", nil)
		return
	}

	body := map[string]any{"render": run}
	if run.Status == models.RunStatusDone && run.VideoObjectKey != "" && h.sp != nil {
		if signed, err := h.sp.GetSignedURL(ctx, run.VideoObjectKey, time.Hour); err == nil && signed.URL != "" {
			body["video_url"] = signed.URL
		}
	}

	httpkit.WriteJSON(w, 200, body)
}

// GetRenderProgress reads the live progress document straight off the origin
// sandbox. The store is never consulted: the sandbox's own file is the single
// source of truth while a render is in flight.
func (h *Handler) GetRenderProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "renderId")

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "render run not found", nil)
		return
	}

	switch run.Status {
	case models.RunStatusDone:
		httpkit.WriteJSON(w, 200, map[string]any{"status": render.StatusCompleted, "percent": 100})
		return
	case models.RunStatusFailed:
		code := run.ErrorCode
		if code == "" {
			code = "RENDER_FAILED"
		}
		httpkit.WriteErr(w, 409, code, run.ErrorText, nil)
		return
	}

	sb, err := h.sandboxes.Connect(ctx, run.SandboxID, 30*time.Second)
	if err != nil {
		httpkit.WriteErr(w, 503, "UNAVAILABLE", "sandbox unreachable", nil)
		return
	}
	data, err := sb.ReadFile(ctx, render.ProgressPath)
	if err != nil {
		httpkit.WriteJSON(w, 200, map[string]any{"status": "pending"})
		return
	}
	progress, ok := render.ParseProgress(data)
	if !ok {
		httpkit.WriteJSON(w, 200, map[string]any{"status": "pending"})
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{
		"status":   progress.Status,
		"percent":  progress.Percent(),
		"progress": progress,
	})
}

// GetRenderVideoURL returns a time-limited signed URL for the finished video,
// when the storage provider supports signing.
func (h *Handler) GetRenderVideoURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "renderId")

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "render run not found", nil)
		return
	}
	if run.Status != models.RunStatusDone || run.VideoObjectKey == "" {
		httpkit.WriteErr(w, 409, "FAILED_PRECONDITION", "render is not finished", nil)
		return
	}
	if h.sp == nil {
		httpkit.WriteErr(w, 503, "UNAVAILABLE", "no storage provider configured", nil)
		return
	}

	signed, err := h.sp.GetSignedURL(ctx, run.VideoObjectKey, time.Hour)
	if err != nil || signed.URL == "" {
		httpkit.WriteErr(w, 501, "NOT_IMPLEMENTED", "provider does not support signed URLs; use /video", nil)
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{
		"url":        signed.URL,
		"expires_at": signed.ExpiresAt,
	})
}

// StreamVideo streams the finished artifact through the storage provider.
func (h *Handler) StreamVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "renderId")

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "render run not found", nil)
		return
	}
	if run.Status != models.RunStatusDone || run.VideoObjectKey == "" {
		httpkit.WriteErr(w, 409, "FAILED_PRECONDITION", "render is not finished", nil)
		return
	}
	if h.sp == nil {
		httpkit.WriteErr(w, 503, "UNAVAILABLE", "no storage provider configured", nil)
		return
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, run.VideoObjectKey)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "video object not found", nil)
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(200)
	_, _ = io.Copy(w, rc)
}
