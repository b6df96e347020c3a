package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"renderq/admission"
	"renderq/artifact"
	"renderq/job"
	"renderq/progress"
	"renderq/store"
)

type Handler struct {
	store     *store.Store
	admission *admission.Controller
	progress  *progress.Publisher
	files     *artifact.LocalSink
}

// NewHandler wires the HTTP surface. files may be nil when artifacts are
// not served by this process.
func NewHandler(s *store.Store, ac *admission.Controller, pub *progress.Publisher, files *artifact.LocalSink) *Handler {
	return &Handler{
		store:     s,
		admission: ac,
		progress:  pub,
		files:     files,
	}
}

type CreateJobRequest struct {
	OwnerID  string          `json:"ownerId"`
	Type     job.Type        `json:"type"`
	Settings json.RawMessage `json:"settings"`
	// Priority is an integer or one of low, normal, high, urgent.
	Priority json.RawMessage `json:"priority,omitempty"`
}

// handleCreateJob admits a new render job.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var body CreateJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.decodeRequest(body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	j, err := h.admission.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"jobId": j.ID})
}

// decodeRequest turns the wire body into an admission request. When the
// priority or settings cannot be decoded, the remaining fields are still
// validated so the caller sees every problem at once.
func (h *Handler) decodeRequest(body CreateJobRequest) (admission.Request, error) {
	var fields []job.FieldError
	req := admission.Request{OwnerID: body.OwnerID, Priority: admission.DefaultPriority}

	if p, set, err := parsePriority(body.Priority); err != nil {
		fields = append(fields, job.FieldError{Field: "priority", Rule: "priority", Message: err.Error()})
	} else if set {
		req.Priority = p
	}

	settings, decodeErr := job.DecodeSettings(body.Type, body.Settings)
	req.Settings = settings
	var ve *job.ValidationError
	if errors.As(decodeErr, &ve) {
		fields = append(fields, ve.Fields...)
	} else if decodeErr != nil {
		return req, decodeErr
	}
	if len(fields) == 0 {
		return req, nil
	}

	if err := h.admission.Validate(req); errors.As(err, &ve) {
		for _, f := range ve.Fields {
			if decodeErr != nil && strings.HasPrefix(f.Field, "settings") {
				continue
			}
			fields = append(fields, f)
		}
	}
	return req, &job.ValidationError{Fields: fields}
}

func parsePriority(raw json.RawMessage) (int, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		p, err := job.ParsePriority(name)
		return p, true, err
	}
	var p int
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, false, errors.New("priority must be an integer or one of low, normal, high, urgent")
	}
	return p, true, nil
}

// handleListJobs lists jobs, optionally filtered by status and owner.
func (h *Handler) handleListJobs(c *gin.Context) {
	q := store.Query{OwnerID: c.Query("ownerId")}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := job.Status(strings.ToLower(strings.TrimSpace(s)))
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(s)})
				return
			}
			q.Statuses = append(q.Statuses, status)
		}
	}

	jobs, err := h.store.List(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	c.JSON(http.StatusOK, out)
}

// handleGetJob returns the current snapshot of one job.
func (h *Handler) handleGetJob(c *gin.Context) {
	snap, err := h.progress.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleCancelJob requests cancellation. Repeating it is harmless.
func (h *Handler) handleCancelJob(c *gin.Context) {
	j, err := h.store.RequestCancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	log.Info().Str("job_id", j.ID).Str("status", string(j.Status)).Msg("job cancellation requested")
	c.JSON(http.StatusOK, gin.H{"accepted": true, "status": j.Status})
}

// handleRetryJob resubmits a failed job as a new one.
func (h *Handler) handleRetryJob(c *gin.Context) {
	j, err := h.admission.Resubmit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": j.ID})
}

func (h *Handler) handleStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleGetFile serves an uploaded artifact.
func (h *Handler) handleGetFile(c *gin.Context) {
	if h.files == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	filePath, err := h.files.Path(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}

// writeError maps domain errors onto HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var ve *job.ValidationError
	var rl *job.RateLimited
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "fields": ve.Fields})
	case errors.As(err, &rl):
		secs := rl.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": rl.Error(), "retryAfterSeconds": secs})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "details": err.Error()})
	}
}
