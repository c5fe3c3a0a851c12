package server

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/attachments"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/capture"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	wildcardOrigin           = "*"
)

var (
	errMissingCaptureService = errors.New("capture service dependency required")
	errMissingAttachments    = errors.New("attachment files dependency required")
)

// AttachmentFiles opens stored attachments for download.
type AttachmentFiles interface {
	Open(name string) (*os.File, error)
}

type Dependencies struct {
	Capture           *capture.Service
	Attachments       AttachmentFiles
	Realtime          *EventDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Capture == nil {
		return nil, errMissingCaptureService
	}
	if deps.Attachments == nil {
		return nil, errMissingAttachments
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		capture:     deps.Capture,
		attachments: deps.Attachments,
		realtime:    deps.Realtime,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/capture", handler.handleCapture)
	router.GET("/inbox", handler.handleList)
	router.GET("/inbox/:filename", handler.handleGet)
	router.PUT("/inbox/:filename", handler.handleUpdate)
	router.DELETE("/inbox/:filename", handler.handleRemove)
	router.POST("/inbox/:filename/promote", handler.handlePromote)
	router.GET("/search", handler.handleSearch)
	router.POST("/index/rebuild", handler.handleRebuild)
	router.GET("/files/:name", handler.handleFile)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

// corsMiddleware allows every origin when none or "*" is configured. Browser
// extension origins are accepted so the capture extension can post directly.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:           []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:           []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:          []string{headerUnreadableNotes},
		AllowBrowserExtensions: true,
		MaxAge:                 12 * time.Hour,
	}

	origins := make([]string, 0, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == wildcardOrigin {
			allowAll = true
			continue
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if allowAll || len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	capture     *capture.Service
	attachments AttachmentFiles
	realtime    *EventDispatcher
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the error taxonomy onto HTTP statuses. The service code
// travels with the response so clients can tell failures apart.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, reason, detail := classifyError(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}

	body := gin.H{"error": reason, "detail": detail}
	if code := notes.ErrorCode(err); code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

// rejectRequest answers a request the handler refused before reaching the
// service. detail is the human readable message clients display.
func rejectRequest(c *gin.Context, reason, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reason, "detail": detail})
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, notes.ErrNotFound), errors.Is(err, attachments.ErrNotFound):
		return http.StatusNotFound, "not_found", "file not found"
	case errors.Is(err, notes.ErrInvalidNoteID),
		errors.Is(err, notes.ErrInvalidPatch),
		errors.Is(err, capture.ErrInvalidRequest),
		errors.Is(err, attachments.ErrInvalidName),
		errors.Is(err, attachments.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, notes.ErrCorruptDocument):
		return http.StatusInternalServerError, "corrupt_document", "note document is unreadable"
	case errors.Is(err, notes.ErrWriteFailure):
		return http.StatusInternalServerError, "write_failed", "note could not be written"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}
