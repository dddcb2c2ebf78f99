// Package api exposes job submission, status and dead-letter operations
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"canpany-jobqueue/internal/queue"
	"canpany-jobqueue/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Admin is the operator view of the queue.
type Admin interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, offset, limit int64) ([]*queue.Message, error)
	ReplayDeadLetter(ctx context.Context, jobID string) (*queue.Message, error)
	PurgeDeadLetters(ctx context.Context) (int64, error)
}

// Progress reads and writes progress records.
type Progress interface {
	GetJob(ctx context.Context, jobID string) (map[string]string, error)
	MarkReplayed(ctx context.Context, jobID string) error
}

type Deps struct {
	Producer  *queue.Producer
	Admin     Admin
	Progress  Progress
	APIKey    string
	RateLimit float64 // requests per second, 0 disables
	Log       logrus.FieldLogger
}

type server struct {
	Deps
}

// NewRouter builds the gin engine. Every route except /healthz requires the
// X-API-Key header when an API key is configured.
func NewRouter(d Deps) *gin.Engine {
	s := &server{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	g := r.Group("/", apiKeyAuth(d.APIKey), rateLimit(d.RateLimit))
	g.POST("/jobs", s.submitJob)
	g.GET("/jobs/:id", s.getJob)
	g.GET("/queue/stats", s.stats)
	g.GET("/dlq", s.listDeadLetters)
	g.POST("/dlq/:id/replay", s.replayDeadLetter)
	g.DELETE("/dlq", s.purgeDeadLetters)
	return r
}

// maxDelaySeconds bounds delay_seconds to one year.
const maxDelaySeconds = 366 * 24 * 60 * 60

type submitRequest struct {
	Type         string          `json:"type" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     json.RawMessage `json:"priority"`
	DelaySeconds int64           `json:"delay_seconds"`
	MaxRetries   *int            `json:"max_retries"`
}

func (s *server) submitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Priority may be a level name ("high") or its integer value.
	raw := strings.Trim(string(req.Priority), `"`)
	if raw == "null" {
		raw = ""
	}
	prio, err := queue.ParsePriority(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.DelaySeconds < 0 || req.DelaySeconds > maxDelaySeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": "delay_seconds must be between 0 and " + strconv.Itoa(maxDelaySeconds)})
		return
	}

	var opts []queue.EnqueueOption
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	ctx := c.Request.Context()
	status := store.StatusQueued
	var id string
	if req.DelaySeconds > 0 {
		msg, err := s.Producer.NewMessage(req.Type, payload, prio, opts...)
		if err == nil {
			id, err = s.Producer.Schedule(ctx, msg, time.Duration(req.DelaySeconds)*time.Second)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status = store.StatusScheduled
	} else {
		id, err = s.Producer.Enqueue(ctx, req.Type, payload, prio, opts...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": status})
}

func (s *server) getJob(c *gin.Context) {
	data, err := s.Progress.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *server) stats(c *gin.Context) {
	st, err := s.Admin.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": st.Main + st.Delayed, "areas": st})
}

func (s *server) listDeadLetters(c *gin.Context) {
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	jobs, err := s.Admin.DeadLetters(c.Request.Context(), offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *server) replayDeadLetter(c *gin.Context) {
	ctx := c.Request.Context()
	msg, err := s.Admin.ReplayDeadLetter(ctx, c.Param("id"))
	switch {
	case errors.Is(err, queue.ErrDeadLetterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, queue.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.Progress.MarkReplayed(ctx, msg.JobID); err != nil {
		s.Log.WithError(err).WithField("job_id", msg.JobID).Warn("progress update failed")
	}
	c.JSON(http.StatusAccepted, gin.H{"id": msg.JobID, "status": store.StatusQueued})
}

func (s *server) purgeDeadLetters(c *gin.Context) {
	n, err := s.Admin.PurgeDeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func apiKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key != "" && c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func rateLimit(perSecond float64) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Debug("request")
	}
}
