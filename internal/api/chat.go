package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"agentchat/internal/models"
	"agentchat/internal/service/chat"
	"agentchat/internal/worker"
)

func (h *Handler) startChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Profile string `json:"profile"`
	}
	// An empty body selects the default profile.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, err := h.chats.Start(c.Request.Context(), userID, strings.TrimSpace(req.Profile))
	if err != nil {
		h.logger.Warn().Err(err).Int64("user_id", userID).Str("profile", req.Profile).Msg("start chat")
		c.JSON(statusFor(err), gin.H{"error": errorMessage(err)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.chats.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) resumeSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	session, messages, err := h.chats.Resume(c.Request.Context(), userID, sessionID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": errorMessage(err)})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := h.chats.Delete(c.Request.Context(), userID, sessionID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": errorMessage(err)})
		return
	}
	c.Status(http.StatusNoContent)
}

func sessionParam(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}

var errStreamClosed = errors.New("event stream closed")

type messageRequest struct {
	SessionID int64  `json:"session_id"`
	Content   string `json:"content"`
}

// sendMessage streams one chat turn as server-sent events: a thinking placeholder,
// optional partial replies, then either the final update or the error text.
func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": chat.ErrEmptyMessage.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.chats.Session(ctx, userID, req.SessionID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": errorMessage(err)})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// Chunks arrive from a worker goroutine that can outlive an abandoned request.
	var (
		mu   sync.Mutex
		done bool
	)
	sendEvent := func(event string, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return errStreamClosed
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("thinking", gin.H{
		"author":  models.AuthorAgent,
		"content": chat.ThinkingText,
	}); err != nil {
		return
	}

	out, err := h.chats.Send(ctx, userID, req.SessionID, req.Content, func(partial string) error {
		return sendEvent("stream", gin.H{"content": partial})
	})
	defer func() {
		mu.Lock()
		done = true
		mu.Unlock()
	}()
	if err != nil {
		h.logger.Warn().Err(err).Int64("session_id", req.SessionID).Msg("dispatch chat turn")
		_ = sendEvent("error", gin.H{"author": models.AuthorError, "content": turnErrorText(err)})
		return
	}
	if out.Err != nil {
		_ = sendEvent("error", gin.H{
			"author":  models.AuthorError,
			"content": out.Text,
			"message": out.Reply,
			"session": out.Session,
		})
		return
	}
	_ = sendEvent("update", gin.H{
		"author":       models.AuthorAgent,
		"content":      out.Text,
		"message":      out.Reply,
		"user_message": out.UserMessage,
		"session":      out.Session,
	})
}

func turnErrorText(err error) string {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		return "Error: " + errorMessage(err)
	}
	return chat.ErrorText(err)
}
