// Package httpapi exposes the transcription service over HTTP: a
// submit-and-poll job surface plus the /health and /stats endpoints.
package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/lingotrack/transcriber/internal/bootstrap"
	"github.com/lingotrack/transcriber/internal/middleware"
	"github.com/lingotrack/transcriber/internal/transcribe"
)

// transcribeRequest is the wire shape of POST /transcribe.
type transcribeRequest struct {
	AudioSource   string  `json:"audio_source" binding:"required"`
	ModelName     string  `json:"model_name"`
	Precision     string  `json:"precision"`
	Language      string  `json:"language"`
	Task          string  `json:"task"`
	UseVAD        bool    `json:"use_vad"`
	MinSilenceS   float64 `json:"min_silence_s"`
	Merge         bool    `json:"merge"`
	MaxChars      int     `json:"max_chars"`
	Parallel      bool    `json:"parallel"`
	ConvertScript bool    `json:"convert_script"`
}

func (r transcribeRequest) toRequest() transcribe.Request {
	return transcribe.Request{
		AudioSource:   r.AudioSource,
		ModelName:     r.ModelName,
		Precision:     r.Precision,
		Language:      r.Language,
		Task:          r.Task,
		UseVAD:        r.UseVAD,
		MinSilenceS:   r.MinSilenceS,
		Merge:         r.Merge,
		MaxChars:      r.MaxChars,
		Parallel:      r.Parallel,
		ConvertScript: r.ConvertScript,
	}
}

// JobRegistry tracks jobs submitted over HTTP so GET /transcribe/:session_id
// can poll for completion without holding the request open.
type JobRegistry struct {
	service *transcribe.Service
	jobs    sync.Map // session_id -> *transcribe.Job
}

// NewJobRegistry constructs a registry bound to service.
func NewJobRegistry(service *transcribe.Service) *JobRegistry {
	return &JobRegistry{service: service}
}

// SubmitHandler accepts a transcription request, opens the session
// synchronously, and returns its session_id immediately (202 Accepted) so
// the caller can attach GET /ws/:session_id before the job finishes.
func (jr *JobRegistry) SubmitHandler(c *gin.Context) {
	var req transcribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	treq := req.toRequest()
	treq.RequestID = middleware.RequestIDFrom(c)
	job, err := jr.service.Submit(c.Request.Context(), treq)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	jr.jobs.Store(job.SessionID, job)

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": job.SessionID,
		"status":     "accepted",
	})
}

// ResultHandler polls a previously submitted job. While the job is still
// running it reports status "running"; once finished it reports the
// terminal result and evicts the job from the registry.
func (jr *JobRegistry) ResultHandler(c *gin.Context) {
	sessionID := c.Param("session_id")
	v, ok := jr.jobs.Load(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session_id"})
		return
	}
	job := v.(*transcribe.Job)

	select {
	case <-job.Done:
	default:
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": "running"})
		return
	}

	jr.jobs.Delete(sessionID)
	result, err := job.Result()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": "failed", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":     sessionID,
		"status":         result.Status,
		"subtitles_text": result.SubtitlesText,
		"subtitles_path": result.SubtitlesPath,
		"warnings":       result.Warnings,
	})
}

// HealthHandler reports liveness. It never depends on deps' internal
// state beyond existing; readiness lives in /stats.
func HealthHandler(deps *bootstrap.AppDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// StatsHandler aggregates the Stats() views of the admission pool,
// session manager, VAD pool, and rate limiter.
func StatsHandler(deps *bootstrap.AppDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"admission":    deps.Admission.Stats(),
			"sessions":     deps.Sessions.Stats(),
			"vad":          deps.VADPool.Stats(),
			"rate_limiter": deps.RateLimiter.GetStats(),
		})
	}
}
