// Package agentapitest provides an in-memory agent service for tests.
package agentapitest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"agentchat/internal/agentapi"

	"github.com/gin-gonic/gin"
)

// Server fakes the thread, message and run endpoints.
type Server struct {
	*httptest.Server

	// APIKey, when set, must be sent in the api-key header.
	APIKey string
	// Steps are the statuses reported by successive run reads. The last one sticks.
	Steps []agentapi.RunStatus
	// LastError is attached to runs that end failed.
	LastError *agentapi.RunLastError
	// Reply produces the assistant text for a prompt; an empty result adds no message.
	Reply func(prompt string) string
	// PageSize splits message listings into pages when positive.
	PageSize int

	mu       sync.Mutex
	seq      int
	threads  map[string][]agentapi.ThreadMessage
	runs     map[string]*runState
	agents   []agentapi.Agent
	requests []string
	cancels  int
}

type runState struct {
	run    agentapi.Run
	reads  int
	prompt string
}

// NewServer starts a fake service with a single agent "asst_test".
func NewServer() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		Steps:   []agentapi.RunStatus{agentapi.RunInProgress, agentapi.RunCompleted},
		Reply:   func(prompt string) string { return "echo: " + prompt },
		threads: make(map[string][]agentapi.ThreadMessage),
		runs:    make(map[string]*runState),
		agents:  []agentapi.Agent{{ID: "asst_test", Name: "test agent", Model: "gpt-4o"}},
	}
	r := gin.New()
	r.Use(s.record, s.authorize)
	r.GET("/assistants", s.listAgents)
	r.GET("/assistants/:id", s.getAgent)
	r.POST("/threads", s.createThread)
	r.DELETE("/threads/:thread", s.deleteThread)
	r.POST("/threads/:thread/messages", s.createMessage)
	r.GET("/threads/:thread/messages", s.listMessages)
	r.POST("/threads/:thread/runs", s.createRun)
	r.GET("/threads/:thread/runs/:run", s.getRun)
	r.POST("/threads/:thread/runs/:run/cancel", s.cancelRun)
	s.Server = httptest.NewServer(r)
	return s
}

// Requests returns "METHOD path" for every call received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Cancels reports how many cancel calls were received.
func (s *Server) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// ThreadCount reports live threads.
func (s *Server) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Messages returns a copy of the thread transcript.
func (s *Server) Messages(threadID string) []agentapi.ThreadMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agentapi.ThreadMessage(nil), s.threads[threadID]...)
}

func (s *Server) record(c *gin.Context) {
	s.mu.Lock()
	s.requests = append(s.requests, c.Request.Method+" "+c.Request.URL.Path)
	s.mu.Unlock()
	if c.Query("api-version") == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("missing_api_version", "api-version is required"))
		return
	}
	c.Next()
}

func (s *Server) authorize(c *gin.Context) {
	if s.APIKey != "" && c.GetHeader("api-key") != s.APIKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "invalid api key"))
		return
	}
	c.Next()
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return prefix + "_" + strconv.Itoa(s.seq)
}

func (s *Server) listAgents(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": s.agents, "has_more": false})
}

func (s *Server) getAgent(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.ID == c.Param("id") {
			c.JSON(http.StatusOK, a)
			return
		}
	}
	c.JSON(http.StatusNotFound, errorBody("not_found", "agent not found"))
}

func (s *Server) createThread(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("thread")
	s.threads[id] = nil
	c.JSON(http.StatusOK, agentapi.Thread{ID: id, CreatedAt: time.Now().Unix()})
}

func (s *Server) deleteThread(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("thread")
	if _, ok := s.threads[id]; !ok {
		c.JSON(http.StatusNotFound, errorBody("not_found", "thread not found"))
		return
	}
	delete(s.threads, id)
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

func (s *Server) createMessage(c *gin.Context) {
	var body struct {
		Role    agentapi.Role `json:"role"`
		Content string        `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_body", err.Error()))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("thread")
	msgs, ok := s.threads[id]
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("not_found", "thread not found"))
		return
	}
	msg := agentapi.ThreadMessage{
		ID:        s.nextID("msg"),
		ThreadID:  id,
		Role:      body.Role,
		CreatedAt: int64(s.seq),
		Content:   []agentapi.MessageContent{{Type: "text", Text: &agentapi.MessageText{Value: body.Content}}},
	}
	s.threads[id] = append(msgs, msg)
	c.JSON(http.StatusOK, msg)
}

func (s *Server) listMessages(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.threads[c.Param("thread")]
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("not_found", "thread not found"))
		return
	}
	ordered := make([]agentapi.ThreadMessage, 0, len(msgs))
	if c.Query("order") == "desc" {
		for i := len(msgs) - 1; i >= 0; i-- {
			ordered = append(ordered, msgs[i])
		}
	} else {
		ordered = append(ordered, msgs...)
	}
	if after := c.Query("after"); after != "" {
		for i, m := range ordered {
			if m.ID == after {
				ordered = ordered[i+1:]
				break
			}
		}
	}
	hasMore := false
	if s.PageSize > 0 && len(ordered) > s.PageSize {
		ordered = ordered[:s.PageSize]
		hasMore = true
	}
	lastID := ""
	if len(ordered) > 0 {
		lastID = ordered[len(ordered)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": ordered, "has_more": hasMore, "last_id": lastID})
}

func (s *Server) createRun(c *gin.Context) {
	var body struct {
		AgentID string `json:"assistant_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_body", "assistant_id is required"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	threadID := c.Param("thread")
	msgs, ok := s.threads[threadID]
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("not_found", "thread not found"))
		return
	}
	prompt := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == agentapi.RoleUser {
			prompt = msgs[i].Text()
			break
		}
	}
	st := &runState{
		run: agentapi.Run{
			ID:        s.nextID("run"),
			ThreadID:  threadID,
			AgentID:   body.AgentID,
			Status:    agentapi.RunQueued,
			CreatedAt: time.Now().Unix(),
		},
		prompt: prompt,
	}
	s.runs[st.run.ID] = st
	c.JSON(http.StatusOK, st.run)
}

func (s *Server) getRun(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[c.Param("run")]
	if !ok || st.run.ThreadID != c.Param("thread") {
		c.JSON(http.StatusNotFound, errorBody("not_found", "run not found"))
		return
	}
	if st.run.Status.IsPending() && st.run.Status != agentapi.RunCancelling {
		idx := st.reads
		if idx >= len(s.Steps) {
			idx = len(s.Steps) - 1
		}
		st.reads++
		s.advance(st, s.Steps[idx])
	} else if st.run.Status == agentapi.RunCancelling {
		s.advance(st, agentapi.RunCancelled)
	}
	c.JSON(http.StatusOK, st.run)
}

func (s *Server) advance(st *runState, next agentapi.RunStatus) {
	st.run.Status = next
	switch next {
	case agentapi.RunCompleted:
		now := time.Now().Unix()
		st.run.CompletedAt = &now
		if s.Reply == nil {
			return
		}
		if text := s.Reply(st.prompt); text != "" {
			msgs := s.threads[st.run.ThreadID]
			s.threads[st.run.ThreadID] = append(msgs, agentapi.ThreadMessage{
				ID:        s.nextID("msg"),
				ThreadID:  st.run.ThreadID,
				Role:      agentapi.RoleAssistant,
				RunID:     st.run.ID,
				AgentID:   st.run.AgentID,
				CreatedAt: int64(s.seq),
				Content:   []agentapi.MessageContent{{Type: "text", Text: &agentapi.MessageText{Value: text}}},
			})
		}
	case agentapi.RunFailed:
		st.run.LastError = s.LastError
	}
}

func (s *Server) cancelRun(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	st, ok := s.runs[c.Param("run")]
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("not_found", "run not found"))
		return
	}
	if st.run.Status.IsTerminal() {
		c.JSON(http.StatusBadRequest, errorBody("invalid_state", fmt.Sprintf("run is %s", st.run.Status)))
		return
	}
	st.run.Status = agentapi.RunCancelling
	c.JSON(http.StatusOK, st.run)
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
