package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/easel/internal/command"
	"github.com/zulandar/easel/internal/ratelimit"
	"github.com/zulandar/easel/internal/tracker"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/api/status", handleStatus(opts))
	router.GET("/api/chain/:id", handleChain(opts.Tracker))
	router.GET("/api/images", handleImages(opts.Library))
	router.GET("/api/notifications", handleNotifications(opts.Hub))
	router.GET("/api/events", handleSSE(opts.Hub))

	router.POST("/api/imagine", handleImagine(opts.Dispatcher))
	router.POST("/api/upscale", handleUpscale(opts.Dispatcher))
	router.POST("/api/variation", handleVariation(opts.Dispatcher))
	router.POST("/api/images/tag", handleTag(opts.Library))
	router.POST("/api/folders/rate", handleRate(opts.Library))
	router.POST("/api/analyze", handleAnalyze(opts.Analyzer))
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":      opts.Session.State().String(),
			"session_id": opts.Session.SessionID(),
			"seq":        opts.Session.Seq(),
			"tracked":    opts.Tracker.Len(),
		})
	}
}

func handleChain(commands commandIndex) gin.HandlerFunc {
	return func(c *gin.Context) {
		chain, err := commands.Chain(c.Param("id"))
		switch {
		case errors.Is(err, tracker.ErrUnknownCommand):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown command"})
		case errors.Is(err, tracker.ErrChainDepthExceeded):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "chain integrity error"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"chain": chain})
		}
	}
}

func handleImages(lib imageLibrary) gin.HandlerFunc {
	return func(c *gin.Context) {
		images, err := lib.Images(100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"images": images})
	}
}

func handleNotifications(hub notificationLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := hub.Recent(50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": rows})
	}
}

func handleImagine(d dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Prompt string `json:"prompt" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := d.Imagine(c.Request.Context(), req.Prompt)
		if err != nil {
			c.JSON(commandStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

func handleUpscale(d dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MessageID string `json:"message_id" binding:"required"`
			Slot      int    `json:"slot" binding:"required"`
			CustomID  string `json:"custom_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := d.Upscale(c.Request.Context(), req.MessageID, req.Slot, req.CustomID)
		if err != nil {
			c.JSON(commandStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

func handleVariation(d dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MessageID string `json:"message_id" binding:"required"`
			Slot      int    `json:"slot" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := d.Variation(c.Request.Context(), req.MessageID, req.Slot)
		if err != nil {
			c.JSON(commandStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

func handleTag(lib imageLibrary) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Path string `json:"path" binding:"required"`
			Tag  string `json:"tag" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := lib.TagImage(req.Path, req.Tag); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleRate(lib imageLibrary) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Folder string `json:"folder" binding:"required"`
			Rating int    `json:"rating"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := lib.RateFolder(req.Folder, req.Rating); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleAnalyze(a analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision analysis not configured"})
			return
		}
		var req struct {
			Path string `json:"path" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sections, err := a.AnalyzeFile(c.Request.Context(), req.Path)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"analysis": sections})
	}
}

// commandStatus maps a dispatcher error to an HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, command.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
