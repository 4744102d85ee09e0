package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/health"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/proxy"
	"github.com/vyrodovalexey/avkeypool/internal/ratelimit"
	"github.com/vyrodovalexey/avkeypool/internal/scheduler"
)

// credentialView is the admin-facing shape of a credential. Secrets are
// never returned, only their redacted form.
type credentialView struct {
	ID          string    `json:"id"`
	Key         string    `json:"keyValue"`
	Status      string    `json:"status"`
	FailedCount int       `json:"failedCount"`
	UsageCount  int64     `json:"usageCount"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func viewOf(c *credential.Credential) credentialView {
	return credentialView{
		ID:          c.ID,
		Key:         c.Redacted(),
		Status:      string(c.Status),
		FailedCount: c.FailedCount,
		UsageCount:  c.UsageCount,
		LastUsedAt:  c.LastUsedAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Checker.Health())
}

func (s *Server) handleReadyz(c *gin.Context) {
	resp := s.deps.Checker.Readiness()
	code := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

type importRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

func (s *Server) handleImportCredentials(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds := make([]*credential.Credential, 0, len(req.Keys))
	for _, k := range req.Keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		creds = append(creds, credential.New(k))
	}
	if len(creds) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no keys provided"})
		return
	}

	added, err := s.deps.Credentials.Add(c.Request.Context(), creds...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.deps.ActiveSet.Invalidate(c.Request.Context())

	views := make([]credentialView, 0, len(added))
	for _, a := range added {
		views = append(views, viewOf(a))
	}

	s.logger.Info("credentials imported",
		observability.Int("submitted", len(req.Keys)),
		observability.Int("added", len(added)),
	)

	c.JSON(http.StatusOK, gin.H{
		"added":       len(added),
		"skipped":     len(creds) - len(added),
		"credentials": views,
	})
}

func (s *Server) handleListCredentials(c *gin.Context) {
	var (
		creds []*credential.Credential
		err   error
	)
	if status := c.Query("status"); status != "" {
		st := credential.Status(status)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + status})
			return
		}
		creds, err = s.deps.Credentials.ListByStatus(c.Request.Context(), st)
	} else {
		creds, err = s.deps.Credentials.List(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]credentialView, 0, len(creds))
	for _, cr := range creds {
		views = append(views, viewOf(cr))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": views, "total": len(views)})
}

func (s *Server) handleGetCredential(c *gin.Context) {
	cred, err := s.deps.Credentials.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(cred))
}

type deleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (s *Server) handleDeleteCredentials(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := s.deps.Credentials.Delete(c.Request.Context(), req.IDs...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Deleting a credential also retires its bucket so a re-imported
	// secret starts fresh.
	for _, id := range removed {
		if err := s.deps.Limiter.Reset(c.Request.Context(), id); err != nil {
			s.logger.Warn("failed to reset bucket of deleted credential",
				observability.String("credential_id", id),
				observability.Error(err),
			)
		}
	}
	s.deps.ActiveSet.Invalidate(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{"removed": removed, "total": len(removed)})
}

func (s *Server) handleBucketInfo(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Credentials.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	info, err := s.deps.Limiter.Info(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type bucketRequest struct {
	Capacity   int     `json:"capacity" binding:"required"`
	RefillRate float64 `json:"refillRate" binding:"required"`
}

func (s *Server) handleBucketConfigure(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Credentials.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var req bucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := ratelimit.Limit{Capacity: req.Capacity, RefillRate: req.RefillRate}
	if err := s.deps.Limiter.Configure(c.Request.Context(), id, limit); err != nil {
		if errors.Is(err, ratelimit.ErrInvalidLimit) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	info, err := s.deps.Limiter.Info(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleBucketReset(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Limiter.Reset(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": id})
}

func (s *Server) handleValidateAll(c *gin.Context) {
	taskID, err := s.deps.Scheduler.ValidateAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

func (s *Server) handleValidationTask(c *gin.Context) {
	task, err := s.deps.Scheduler.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.deps.Credentials.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleStatsHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}

	snaps, err := s.deps.Scheduler.Snapshots(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "total": len(snaps)})
}

// handleProxy relays any unmatched route upstream using a pooled
// credential.
func (s *Server) handleProxy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	req := &proxy.Request{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	}

	resp, err := s.deps.Coordinator.Execute(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, proxy.ErrNoCredentialAvailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no credential available"})
		case errors.Is(err, context.Canceled):
			c.Abort()
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream timed out"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		}
		return
	}

	writeUpstream(c, resp)
}

// writeUpstream copies an upstream response to the client verbatim,
// minus hop-by-hop headers.
func writeUpstream(c *gin.Context, resp *proxy.Response) {
	header := c.Writer.Header()
	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(resp.Body)
}

func isHopByHop(header string) bool {
	switch http.CanonicalHeaderKey(header) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
