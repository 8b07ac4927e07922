package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/repository"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/pkg/util"
)

type loginRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expires, err := s.Auth.Login(req.Code)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid code"})
		return
	}

	c.SetCookie("auth_token", token, int(time.Until(expires).Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires})
}

type createSubmissionRequest struct {
	Title        string     `json:"title" binding:"required"`
	Description  string     `json:"description"`
	Tags         []string   `json:"tags"`
	Files        []string   `json:"files"`
	Destinations []string   `json:"destinations" binding:"required"`
	Order        int        `json:"order"`
	Schedule     *time.Time `json:"schedule"`
	Enqueue      bool       `json:"enqueue"`
}

func (s *Server) handleCreateSubmission(c *gin.Context) {
	var req createSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	destinations := util.Dedupe(req.Destinations)
	if len(destinations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one destination is required"})
		return
	}
	for _, d := range destinations {
		if _, err := s.Registry.Get(d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sub := &models.Submission{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Description:  req.Description,
		Tags:         util.Dedupe(req.Tags),
		Files:        req.Files,
		Destinations: destinations,
		Order:        req.Order,
		Schedule:     req.Schedule,
		Status:       models.StatusUnposted,
	}

	ctx := c.Request.Context()
	if err := s.Store.Submissions.Create(ctx, sub); err != nil {
		s.Logger.Error("Failed to create submission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create submission"})
		return
	}

	if req.Enqueue {
		s.Queue.Enqueue(ctx, sub)
	}

	c.JSON(http.StatusCreated, gin.H{"submission": sub})
}

func (s *Server) handleListSubmissions(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		subs []*models.Submission
		err  error
	)
	if raw := c.Query("status"); raw != "" {
		var statuses []models.SubmissionStatus
		for _, st := range util.ParseList(raw) {
			statuses = append(statuses, models.SubmissionStatus(st))
		}
		subs, err = s.Store.Submissions.ListByStatus(ctx, statuses...)
	} else {
		subs, err = s.Store.Submissions.List(ctx)
	}
	if err != nil {
		s.Logger.Error("Failed to list submissions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list submissions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"submissions": subs})
}

func (s *Server) handleGetSubmission(c *gin.Context) {
	ctx := c.Request.Context()
	sub, ok := s.loadSubmission(c)
	if !ok {
		return
	}

	jobs, err := s.Store.Submissions.Jobs(ctx, sub.ID)
	if err != nil {
		s.Logger.Error("Failed to load distribution jobs", zap.String("submission_id", sub.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"submission": sub, "jobs": jobs})
}

func (s *Server) loadSubmission(c *gin.Context) (*models.Submission, bool) {
	sub, err := s.Store.Submissions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission not found"})
		return nil, false
	}
	if err != nil {
		s.Logger.Error("Failed to load submission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load submission"})
		return nil, false
	}
	return sub, true
}

func (s *Server) handleGetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"posting": s.Queue.Posting(),
		"waiting": s.Queue.Waiting(),
	})
}

func (s *Server) handleEnqueue(c *gin.Context) {
	sub, ok := s.loadSubmission(c)
	if !ok {
		return
	}
	queued := s.Queue.Enqueue(c.Request.Context(), sub)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (s *Server) handleDequeue(c *gin.Context) {
	interrupted, _ := strconv.ParseBool(c.DefaultQuery("interrupt", "false"))
	if !s.Queue.Dequeue(c.Request.Context(), c.Param("id"), interrupted) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Submission is not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dequeued": true})
}

func (s *Server) handleDequeueAll(c *gin.Context) {
	s.Queue.DequeueAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"dequeued": true})
}

type destinationView struct {
	Name            string                `json:"name"`
	Status          publisher.LoginStatus `json:"status"`
	Username        string                `json:"username,omitempty"`
	Cooldown        string                `json:"cooldown"`
	RefreshInterval string                `json:"refresh_interval,omitempty"`
	LastPosted      *time.Time            `json:"last_posted,omitempty"`
}

func (s *Server) handleListDestinations(c *gin.Context) {
	ctx := c.Request.Context()
	names := s.Registry.Names()
	out := make([]destinationView, 0, len(names))
	for _, name := range names {
		opts, _ := s.Registry.Options(name)
		v := destinationView{
			Name:     name,
			Status:   s.Health.Status(name),
			Username: s.Health.Username(name),
			Cooldown: opts.Cooldown.String(),
		}
		if opts.RefreshInterval > 0 {
			v.RefreshInterval = opts.RefreshInterval.String()
		}
		if last := s.Cooldowns.LastPosted(ctx, name); !last.IsZero() {
			v.LastPosted = &last
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"destinations": out})
}

func (s *Server) handleCheckDestination(c *gin.Context) {
	name := c.Param("name")
	status, err := s.Health.Check(c.Request.Context(), name)
	if errors.Is(err, publisher.ErrUnknownDestination) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":     name,
		"status":   status,
		"username": s.Health.Username(name),
	})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.Settings.Values())
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	v := s.Settings.Values()
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Settings.Update(c.Request.Context(), v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Settings.Values())
}

func (s *Server) handleListNotifications(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	logs, err := s.Monitoring.Recent(c.Request.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to load notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": logs})
}

// handleEvents streams bus events as server-sent events until the client
// goes away.
func (s *Server) handleEvents(c *gin.Context) {
	ch, unsubscribe := s.Bus.Subscribe(64)
	defer unsubscribe()

	c.SSEvent(events.TypeHealth, s.Health.Snapshot())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

