package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/m2tx/portfolio_lab/internal/gateway"
	"github.com/m2tx/portfolio_lab/internal/knowledge"
	"github.com/m2tx/portfolio_lab/internal/model"
	"github.com/m2tx/portfolio_lab/internal/repository"
	"google.golang.org/genai"
)

const (
	sessionHeader         = "X-Session-ID"
	defaultKnowledgeLimit = 3
	maxKnowledgeLimit     = 20
)

type handlers struct {
	gateway       Gateway
	conversations repository.ConversationRepository
	knowledge     KnowledgeSearcher
	logger        *slog.Logger
}

func (h *handlers) register(group *gin.RouterGroup) {
	group.POST("/chat", h.handleChat)
	group.GET("/chat/history", h.handleGetHistory)
	group.DELETE("/chat/history", h.handleDeleteHistory)
	group.POST("/architect", h.handleArchitect)
	group.POST("/search", h.handleSearch)
	group.POST("/location", h.handleLocation)
	group.POST("/images", h.handleGenerateImage)
	group.POST("/images/edit", h.handleEditImage)
	if h.knowledge != nil {
		group.GET("/knowledge/search", h.handleKnowledgeSearch)
	}
}

type attachmentRequest struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	// History, when present, makes the call stateless.
	History    []model.Content    `json:"history"`
	Message    string             `json:"message"`
	Attachment *attachmentRequest `json:"attachment"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type locationRequest struct {
	Query    string        `json:"query"`
	Location *model.LatLng `json:"location"`
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

type editImageRequest struct {
	Image    []byte `json:"image"`
	MIMEType string `json:"mime_type"`
	Prompt   string `json:"prompt"`
}

type chunkEvent struct {
	Text     string          `json:"text"`
	Response *model.Response `json:"response"`
}

func (h *handlers) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	ctx := c.Request.Context()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	stateful := req.History == nil
	history := model.ConversationHistory(req.History)
	if stateful {
		stored, err := h.conversations.Load(ctx, sessionID)
		if err != nil {
			h.logger.Error("chat_history_load_failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load history"})
			return
		}
		history = stored
	}

	var attachment *model.Attachment
	if req.Attachment != nil {
		attachment = &model.Attachment{Data: req.Attachment.Data, MIMEType: req.Attachment.MIMEType}
	}

	stream, err := h.gateway.SendChatMessage(ctx, history, req.Message, attachment)
	if err != nil {
		h.writeError(c, "chat", err)
		return
	}

	c.Header(sessionHeader, sessionID)
	answer, err := h.streamEvents(c, "chat", stream)
	if err != nil {
		return
	}

	if stateful {
		userTurn := model.Content{Role: model.RoleUser}
		if attachment != nil {
			userTurn.Parts = append(userTurn.Parts, attachment.Part())
		}
		userTurn.Parts = append(userTurn.Parts, model.TextPart{Text: req.Message})

		// Concurrent requests on one session each append their own exchange.
		if err := h.conversations.Append(ctx, sessionID, userTurn, model.NewTextContent(model.RoleModel, answer)); err != nil {
			h.logger.Warn("chat_history_append_failed", "session_id", sessionID, "error", err)
		}
	}

	c.SSEvent("done", gin.H{"session_id": sessionID})
	c.Writer.Flush()
}

func (h *handlers) handleGetHistory(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	history, err := h.conversations.Load(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("chat_history_load_failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history"})
		return
	}
	if history == nil {
		history = []model.Content{}
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "history": history})
}

func (h *handlers) handleDeleteHistory(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	if err := h.conversations.Delete(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("chat_history_delete_failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete history"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleArchitect(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	stream, err := h.gateway.AskArchitect(c.Request.Context(), req.Prompt)
	if err != nil {
		h.writeError(c, "architect", err)
		return
	}

	if _, err := h.streamEvents(c, "architect", stream); err != nil {
		return
	}
	c.SSEvent("done", gin.H{})
	c.Writer.Flush()
}

// streamEvents relays every chunk as a "chunk" event and returns the
// accumulated text. A stream failure is reported as an "error" event.
func (h *handlers) streamEvents(c *gin.Context, operation string, stream *gateway.Stream) (string, error) {
	defer stream.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	var sb strings.Builder
	for chunk := range chunks(stream) {
		text := chunk.Text()
		sb.WriteString(text)
		c.SSEvent("chunk", chunkEvent{Text: text, Response: chunk})
		c.Writer.Flush()
	}

	if err := stream.Err(); err != nil {
		h.logger.Warn("stream_failed", "operation", operation, "error", err)
		c.SSEvent("error", gin.H{"error": err.Error()})
		c.Writer.Flush()
		return sb.String(), err
	}
	return sb.String(), nil
}

func (h *handlers) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	resp, err := h.gateway.SearchMarketTrends(c.Request.Context(), req.Query)
	if err != nil {
		h.writeError(c, "search", err)
		return
	}
	c.JSON(http.StatusOK, groundedBody(resp))
}

func (h *handlers) handleLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	resp, err := h.gateway.QueryLocationServices(c.Request.Context(), req.Query, req.Location)
	if err != nil {
		h.writeError(c, "location", err)
		return
	}
	c.JSON(http.StatusOK, groundedBody(resp))
}

func groundedBody(resp *model.Response) gin.H {
	sources := resp.Sources()
	if sources == nil {
		sources = []model.GroundingSource{}
	}
	return gin.H{"text": resp.Text(), "sources": sources, "response": resp}
}

func (h *handlers) handleGenerateImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if strings.TrimSpace(req.Size) == "" {
		req.Size = string(model.ImageSize1K)
	}
	size, err := model.ParseImageSize(req.Size)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.gateway.GenerateHighFidelityImage(c.Request.Context(), req.Prompt, size)
	if err != nil {
		h.writeError(c, "image_generation", err)
		return
	}
	c.JSON(http.StatusOK, imageBody(resp))
}

func (h *handlers) handleEditImage(c *gin.Context) {
	var req editImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	resp, err := h.gateway.EditImage(c.Request.Context(), req.Image, req.Prompt, req.MIMEType)
	if err != nil {
		h.writeError(c, "image_editing", err)
		return
	}
	c.JSON(http.StatusOK, imageBody(resp))
}

// imageBody reports a missing image as a null "image" with whatever text the
// model returned instead. "images" lists every returned image.
func imageBody(resp *model.Response) gin.H {
	body := gin.H{"image": nil, "images": gateway.ExtractImages(resp), "text": resp.Text(), "response": resp}
	if uri, ok := gateway.ExtractImage(resp); ok {
		body["image"] = uri
	}
	return body
}

func (h *handlers) handleKnowledgeSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("k", strconv.Itoa(defaultKnowledgeLimit)))
	if err != nil || limit <= 0 || limit > maxKnowledgeLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "k must be between 1 and " + strconv.Itoa(maxKnowledgeLimit)})
		return
	}

	docs, err := h.knowledge.Search(query, limit)
	if err != nil {
		h.logger.Error("knowledge_search_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "knowledge search"})
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"results": docs})
}

func (h *handlers) writeError(c *gin.Context, operation string, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		body["provider_status"] = apiErr.Code
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("gateway_failed", "operation", operation, "error", err)
	}
	c.JSON(status, body)
}

// statusFor maps request validation failures to 400 and everything else,
// including provider rejections, to 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMissingMediaType),
		errors.Is(err, model.ErrEmptyAttachment),
		errors.Is(err, model.ErrInvalidImageSize),
		errors.Is(err, model.ErrEmptyPart),
		errors.Is(err, model.ErrAmbiguousPart):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
