package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/capture"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/enrichment"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	entryTypeFile = "file"

	headerUnreadableNotes = "X-Unreadable-Notes"
)

type capturePayload struct {
	Content    string        `json:"content"`
	Source     string        `json:"source"`
	EntryType  string        `json:"entry_type"`
	Title      string        `json:"title"`
	FileData   string        `json:"file_data"`
	FileName   string        `json:"file_name"`
	Files      []filePayload `json:"files"`
	Category   string        `json:"category"`
	Tags       []string      `json:"tags"`
	Summary    string        `json:"summary"`
	Collection bool          `json:"collection"`
}

type filePayload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type captureResponse struct {
	Message  string                `json:"message"`
	File     notes.NoteID          `json:"file"`
	Proposal enrichment.Suggestion `json:"proposal"`
	Metadata notes.Metadata        `json:"metadata"`
	Indexed  bool                  `json:"indexed"`
	Notes    []capture.Captured    `json:"notes"`
}

func (payload capturePayload) hasFiles() bool {
	return strings.EqualFold(strings.TrimSpace(payload.EntryType), entryTypeFile) ||
		strings.TrimSpace(payload.FileData) != "" ||
		len(payload.Files) > 0
}

func (h *httpHandler) handleCapture(c *gin.Context) {
	var payload capturePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		rejectRequest(c, "invalid_request", "request body must be a JSON capture payload")
		return
	}

	var (
		captured []capture.Captured
		err      error
	)
	if payload.hasFiles() {
		captured, err = h.capture.CaptureFiles(c.Request.Context(), payload.fileCapture())
	} else {
		var single capture.Captured
		single, err = h.capture.CaptureText(c.Request.Context(), payload.textCapture())
		captured = []capture.Captured{single}
	}
	if err != nil {
		h.respondError(c, "capture", err)
		return
	}

	first := captured[0]
	c.JSON(http.StatusCreated, captureResponse{
		Message:  fmt.Sprintf("Captured %d note(s)", len(captured)),
		File:     first.ID,
		Proposal: first.Proposal,
		Metadata: first.Metadata,
		Indexed:  first.Indexed,
		Notes:    captured,
	})
}

func (payload capturePayload) textCapture() capture.TextCapture {
	request := capture.TextCapture{
		Title:   payload.Title,
		Content: payload.Content,
		Source:  payload.Source,
		Type:    payload.EntryType,
	}
	if strings.TrimSpace(payload.Category) != "" || strings.TrimSpace(payload.Summary) != "" {
		request.Suggestion = &enrichment.Suggestion{
			Category: payload.Category,
			Tags:     payload.Tags,
			Summary:  payload.Summary,
		}
	}
	return request
}

func (payload capturePayload) fileCapture() capture.FileCapture {
	files := make([]capture.FileInput, 0, len(payload.Files)+1)
	if strings.TrimSpace(payload.FileData) != "" || strings.TrimSpace(payload.FileName) != "" {
		files = append(files, capture.FileInput{Name: payload.FileName, Encoded: payload.FileData})
	}
	for _, file := range payload.Files {
		files = append(files, capture.FileInput{Name: file.Name, Encoded: file.Data})
	}
	return capture.FileCapture{
		Files:      files,
		Title:      payload.Title,
		Source:     payload.Source,
		Content:    payload.Content,
		Category:   payload.Category,
		Tags:       payload.Tags,
		Summary:    payload.Summary,
		Collection: payload.Collection,
	}
}

// inboxItem is one listing row: the note's frontmatter fields at the top
// level next to its filename and location.
type inboxItem struct {
	Filename notes.NoteID   `json:"filename"`
	Location notes.Location `json:"location"`
	notes.Metadata
}

// handleList answers with a flat array of inbox items. Unreadable documents
// are counted in a header; ?diagnostics=true returns notes and problems.
func (h *httpHandler) handleList(c *gin.Context) {
	var filter capture.ListFilter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := notes.ParseNoteStatus(raw)
		if err != nil {
			rejectRequest(c, "invalid_status", err.Error())
			return
		}
		filter.Status = status
	}
	switch location := notes.Location(strings.TrimSpace(c.Query("location"))); location {
	case "", notes.LocationInbox, notes.LocationArchive:
		filter.Location = location
	default:
		rejectRequest(c, "invalid_location", fmt.Sprintf("location must be %q or %q", notes.LocationInbox, notes.LocationArchive))
		return
	}
	diagnostics := false
	if raw := strings.TrimSpace(c.Query("diagnostics")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			rejectRequest(c, "invalid_request", "diagnostics must be a boolean")
			return
		}
		diagnostics = parsed
	}

	result, err := h.capture.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	c.Header(headerUnreadableNotes, strconv.Itoa(len(result.Problems)))
	if diagnostics {
		c.JSON(http.StatusOK, result)
		return
	}

	items := make([]inboxItem, 0, len(result.Notes))
	for _, note := range result.Notes {
		items = append(items, inboxItem{Filename: note.ID, Location: note.Location, Metadata: note.Metadata})
	}
	c.JSON(http.StatusOK, items)
}

func (h *httpHandler) handleGet(c *gin.Context) {
	note, err := h.capture.Get(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, note)
}

type updatePayload struct {
	Category *string  `json:"category"`
	Tags     []string `json:"tags"`
	Status   *string  `json:"status"`
	Action   string   `json:"action"`
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	var payload updatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		rejectRequest(c, "invalid_request", "request body must be a JSON update payload")
		return
	}
	patch := notes.Patch{
		Category: payload.Category,
		Tags:     payload.Tags,
		Action:   payload.Action,
	}
	if payload.Status != nil {
		status, err := notes.ParseNoteStatus(*payload.Status)
		if err != nil {
			rejectRequest(c, "invalid_status", err.Error())
			return
		}
		patch.Status = &status
	}

	note, err := h.capture.Update(c.Request.Context(), c.Param("filename"), patch)
	if err != nil {
		h.respondError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Updated", "note": note})
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	report, err := h.capture.Remove(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.respondError(c, "remove", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handlePromote(c *gin.Context) {
	note, err := h.capture.Promote(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.respondError(c, "promote", err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		rejectRequest(c, "missing_query", "query parameter q is required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			rejectRequest(c, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	hits, err := h.capture.Search(c.Request.Context(), query, limit)
	if err != nil {
		h.respondError(c, "search", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "results": hits})
}

func (h *httpHandler) handleRebuild(c *gin.Context) {
	var options capture.RebuildOptions
	if raw := strings.TrimSpace(c.Query("prune_attachments")); raw != "" {
		prune, err := strconv.ParseBool(raw)
		if err != nil {
			rejectRequest(c, "invalid_request", "prune_attachments must be a boolean")
			return
		}
		options.PruneAttachments = prune
	}

	report, err := h.capture.Rebuild(c.Request.Context(), options)
	if err != nil {
		h.respondError(c, "rebuild", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleFile(c *gin.Context) {
	file, err := h.attachments.Open(c.Param("name"))
	if err != nil {
		h.respondError(c, "download", err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		h.respondError(c, "download", err)
		return
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), file)
}

// handleEvents streams note change events as server-sent events. A ready
// event is flushed right after subscribing so clients know no later change
// will be missed.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable", "detail": "change feed is not configured"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(EventReady, gin.H{"timestamp": time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.Error(ctx.Err()))
}
