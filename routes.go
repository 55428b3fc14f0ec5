package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"deixis/config"
	"deixis/models"
	"deixis/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxScriptSize begrenzt hochgeladene Lesson-Skripte.
const maxScriptSize = 8 << 20

func newRouter(cfg *config.Config, logging *zap.Logger, lessons *services.LessonService, assets *services.AssetService) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logging))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupHealthRoutes(router)
	setupDOIRoutes(router, lessons, logging)
	setupLessonRoutes(router, cfg, lessons, assets, logging)
	return router
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// requestLogger protokolliert jede Anfrage mit einer Request-ID.
func requestLogger(logging *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logging.Error("Request failed", fields...)
		case status >= http.StatusBadRequest:
			logging.Warn("Request rejected", fields...)
		default:
			logging.Debug("Request handled", fields...)
		}
	}
}

func setupHealthRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

type paperResponse struct {
	ID       uint            `json:"id"`
	DOI      string          `json:"doi"`
	Title    *string         `json:"title"`
	Authors  json.RawMessage `json:"authors"`
	Abstract *string         `json:"abstract"`
}

type lessonResponse struct {
	ID     uint                `json:"id"`
	Status models.LessonStatus `json:"status"`
	JSPath *string             `json:"js_path"`
}

type doiResponse struct {
	Paper   paperResponse   `json:"paper"`
	Lesson  *lessonResponse `json:"lesson"`
	Created bool            `json:"created"`
}

func newDOIResponse(res *services.LookupResult) doiResponse {
	p := res.Paper
	out := doiResponse{
		Paper: paperResponse{
			ID:       p.ID,
			DOI:      p.DOI,
			Title:    p.Title,
			Abstract: p.Abstract,
		},
		Created: res.Created,
	}
	if len(p.Authors) > 0 {
		out.Paper.Authors = json.RawMessage(p.Authors)
	}
	if p.Lesson != nil {
		out.Lesson = &lessonResponse{ID: p.Lesson.ID, Status: p.Lesson.Status, JSPath: p.Lesson.JSPath}
	}
	return out
}

func setupDOIRoutes(router *gin.Engine, lessons *services.LessonService, log *zap.Logger) {
	router.POST("/doi", func(c *gin.Context) {
		var req struct {
			DOI string `json:"doi" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			lookupsCounter.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := lessons.GetOrCreate(c.Request.Context(), req.DOI)
		if err != nil {
			if errors.Is(err, services.ErrEmptyDOI) {
				lookupsCounter.WithLabelValues("invalid").Inc()
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			lookupsCounter.WithLabelValues("error").Inc()
			log.Error("DOI lookup failed", zap.String("doi", req.DOI), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		if res.Created {
			lookupsCounter.WithLabelValues("created").Inc()
			papersCreatedCounter.Inc()
		} else {
			lookupsCounter.WithLabelValues("existing").Inc()
		}
		c.JSON(http.StatusOK, newDOIResponse(res))
	})
}

func setupLessonRoutes(router *gin.Engine, cfg *config.Config, lessons *services.LessonService, assets *services.AssetService, log *zap.Logger) {
	rg := router.Group("/lessons")
	guarded := rg.Group("", apiKeyAuthMiddleware(cfg))

	rg.GET("/:id", func(c *gin.Context) {
		id, ok := lessonID(c)
		if !ok {
			return
		}
		lesson, err := lessons.GetLesson(c.Request.Context(), id)
		if err != nil {
			writeLessonError(c, log, id, err)
			return
		}
		c.JSON(http.StatusOK, lesson)
	})

	guarded.PATCH("/:id", func(c *gin.Context) {
		id, ok := lessonID(c)
		if !ok {
			return
		}
		var req struct {
			Status string `json:"status" binding:"required"`
			JSPath string `json:"js_path"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		next, err := models.ParseLessonStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		lesson, err := lessons.Transition(c.Request.Context(), id, next, req.JSPath)
		if err != nil {
			writeLessonError(c, log, id, err)
			return
		}
		lessonTransitionsCounter.WithLabelValues(string(lesson.Status)).Inc()
		c.JSON(http.StatusOK, lesson)
	})

	guarded.PUT("/:id/js", func(c *gin.Context) {
		id, ok := lessonID(c)
		if !ok {
			return
		}
		script, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxScriptSize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "script too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		if len(script) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty script"})
			return
		}

		lesson, err := assets.Upload(c.Request.Context(), id, script)
		if err != nil {
			writeLessonError(c, log, id, err)
			return
		}
		lessonTransitionsCounter.WithLabelValues(string(lesson.Status)).Inc()
		c.JSON(http.StatusOK, lesson)
	})

	rg.GET("/:id/js", func(c *gin.Context) {
		id, ok := lessonID(c)
		if !ok {
			return
		}
		rc, err := assets.Open(c.Request.Context(), id)
		if err != nil {
			writeLessonError(c, log, id, err)
			return
		}
		defer rc.Close()

		c.Header("Content-Type", "application/javascript")
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, rc); err != nil {
			log.Warn("Streaming lesson script aborted", zap.Uint("lesson_id", id), zap.Error(err))
		}
	})
}

func lessonID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lesson id"})
		return 0, false
	}
	return uint(id), true
}

func writeLessonError(c *gin.Context, log *zap.Logger, id uint, err error) {
	switch {
	case errors.Is(err, services.ErrLessonNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
	case errors.Is(err, services.ErrAssetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrMissingJSPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTransition), errors.Is(err, services.ErrLessonNotReady),
		errors.Is(err, services.ErrExternalAsset):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAssetsDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error("Lesson operation failed", zap.Uint("lesson_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
	}
}
