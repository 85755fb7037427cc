package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeworks/foreman/pkg/database"
	"github.com/forgeworks/foreman/pkg/models"
	"github.com/forgeworks/foreman/pkg/taskstore"
)

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req models.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.coordinator.SubmitTask(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.coordinator.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, taskstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	tasks, err := s.store.List(c.Request.Context(), status, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleStopTask(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	issued, err := s.coordinator.StopTask(c.Request.Context(), c.Param("id"), body.Reason)
	if errors.Is(err, taskstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": issued})
}

func (s *Server) handlePoolSnapshot(c *gin.Context) {
	health, err := s.coordinator.PoolSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleHealth(c *gin.Context) {
	dbHealth, err := database.Health(c.Request.Context(), s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "degraded",
			"database": dbHealth,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": dbHealth,
	})
}
