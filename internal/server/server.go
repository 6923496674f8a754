// Package server exposes the central service HTTP API: report submission with
// ticket allocation, attachment upload, and a listing endpoint for dashboard
// collaborators.
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

	"github.com/openvmc/fieldreport/internal/api"
	"github.com/openvmc/fieldreport/internal/logger"
	"github.com/openvmc/fieldreport/internal/server/db"
	"github.com/openvmc/fieldreport/internal/ticket"
)

// maxAttachmentBytes caps uploaded attachment size. Larger uploads are
// rejected as a validation failure, not retried by clients.
const maxAttachmentBytes = 10 << 20

// Server holds the HTTP handlers over the server store.
type Server struct {
	store *db.Store
	token string
}

// New creates a server. An empty token disables authentication; otherwise
// every /api/v1 request must carry it as a bearer token.
func New(store *db.Store, token string) *Server {
	return &Server{store: store, token: token}
}

// Router builds the gin router with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)

	v1 := router.Group("/api/v1")
	if s.token != "" {
		v1.Use(s.requireToken)
	}
	v1.POST("/reports", s.handleSubmit)
	v1.PUT("/reports/:ticket/attachment", s.handleAttachment)
	v1.GET("/reports", s.handleList)

	return router
}

// requireToken enforces bearer token authentication.
func (s *Server) requireToken(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	if auth != "Bearer "+s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	c.Next()
}

// handleHealthz answers the connectivity probe. It reports healthy only when
// the database answers too; a reachable server with a dead allocator must not
// trigger client drains.
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		logger.Warn("server: health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSubmit accepts report metadata and returns the allocated ticket.
// Replays of a known local id return the original ticket with replayed=true.
func (s *Server) handleSubmit(c *gin.Context) {
	var req api.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if msg := validateSubmit(req); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	ticketNumber, replayed, err := s.store.CreateReport(c.Request.Context(), req)
	if err != nil {
		logger.Error("server: failed to create report for %s: %v", req.LocalID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "allocator unavailable"})
		return
	}

	if replayed {
		logger.Info("server: replayed local id %s -> %s", req.LocalID, ticketNumber)
	} else {
		logger.Info("server: allocated %s for local id %s", ticketNumber, req.LocalID)
	}

	c.JSON(http.StatusOK, api.SubmitResponse{TicketNumber: ticketNumber, Replayed: replayed})
}

// validateSubmit returns a rejection message, or "" when the request is
// acceptable.
func validateSubmit(req api.SubmitRequest) string {
	switch {
	case strings.TrimSpace(req.LocalID) == "":
		return "local_id is required"
	case strings.TrimSpace(req.DeviceID) == "":
		return "device_id is required"
	case req.Latitude < -90 || req.Latitude > 90:
		return "latitude out of range"
	case req.Longitude < -180 || req.Longitude > 180:
		return "longitude out of range"
	case req.CategoryID <= 0:
		return "category_id is required"
	case req.SubmittedAt.IsZero():
		return "submitted_at is required"
	}
	return ""
}

// handleAttachment stores the raw attachment bytes on an existing report.
func (s *Server) handleAttachment(c *gin.Context) {
	ticketNumber := c.Param("ticket")
	if _, err := ticket.Parse(ticketNumber); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed ticket number"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxAttachmentBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment too large"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty attachment"})
		return
	}

	contentType := c.GetHeader("Content-Type")
	err = s.store.SaveAttachment(c.Request.Context(), ticketNumber, contentType, data)
	if errors.Is(err, db.ErrUnknownTicket) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ticket"})
		return
	}
	if err != nil {
		logger.Error("server: failed to save attachment for %s: %v", ticketNumber, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}

	logger.Info("server: stored attachment for %s (%d bytes)", ticketNumber, len(data))
	c.Status(http.StatusNoContent)
}

// handleList returns reports for dashboard collaborators.
func (s *Server) handleList(c *gin.Context) {
	var filter db.ListFilter

	if v := c.Query("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid year"})
			return
		}
		filter.Year = year
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	switch status := c.Query("status"); status {
	case "", "with_attachment", "metadata_only":
		filter.Status = status
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
		return
	}

	reports, err := s.store.ListReports(c.Request.Context(), filter)
	if err != nil {
		logger.Error("server: failed to list reports: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}
