package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agentchat/internal/agentapi"
	"agentchat/internal/config"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/service/history"
	"agentchat/internal/service/llm"

	"github.com/rs/zerolog"
)

const (
	// NoResponseText is shown when a run completes without assistant text.
	NoResponseText = "No response from the model."
	// ThinkingText is the placeholder shown while a turn is in flight.
	ThinkingText = "thinking..."

	titleRunes    = 40
	recordTimeout = 5 * time.Second
)

var (
	ErrSessionNotFound = history.ErrSessionNotFound
	ErrUnknownProfile  = errors.New("unknown chat profile")
	ErrEmptyMessage    = errors.New("message content cannot be empty")
	ErrAgentsDisabled  = errors.New("agent service not configured")
)

// AgentClient is the subset of the agent service used by chat turns.
type AgentClient interface {
	ListAgents(ctx context.Context, limit int) ([]agentapi.Agent, error)
	CreateThread(ctx context.Context) (*agentapi.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	CreateMessage(ctx context.Context, threadID string, role agentapi.Role, content string) (*agentapi.ThreadMessage, error)
	CreateAndProcessRun(ctx context.Context, threadID, agentID string) (*agentapi.Run, error)
	ListMessages(ctx context.Context, threadID string, opts agentapi.ListOptions) ([]agentapi.ThreadMessage, error)
}

// Store persists sessions and transcripts.
type Store interface {
	CreateSession(ctx context.Context, userID int64, title, profile, threadID string) (*models.Session, error)
	GetSession(ctx context.Context, userID, sessionID int64) (*models.Session, error)
	GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error)
	ListSessions(ctx context.Context, userID int64) ([]models.Session, error)
	SetThreadID(ctx context.Context, userID, sessionID int64, threadID string) (string, error)
	UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error
	DeleteSession(ctx context.Context, userID, sessionID int64) error
	AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID int64) ([]*models.Message, error)
	ProviderKey(ctx context.Context, userID int64, provider string) (string, error)
}

// Options wires a Service.
type Options struct {
	Store     Store
	Agents    AgentClient
	Profiles  []Profile
	Starters  []Starter
	Providers map[string]config.ProviderConfig
	// NewCompleter defaults to llm.New.
	NewCompleter llm.Factory
	Logger       zerolog.Logger
}

// Service turns UI events into agent-service and store calls.
type Service struct {
	store        Store
	agents       AgentClient
	profiles     []Profile
	byName       map[string]Profile
	starters     []Starter
	providers    map[string]config.ProviderConfig
	newCompleter llm.Factory
	logger       zerolog.Logger

	mu         sync.Mutex
	completers map[string]llm.Completer
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("chat store is required")
	}
	if len(opts.Profiles) == 0 {
		return nil, errors.New("at least one chat profile is required")
	}
	byName := make(map[string]Profile, len(opts.Profiles))
	for _, p := range opts.Profiles {
		if p.IsAgent() && opts.Agents == nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, ErrAgentsDisabled)
		}
		byName[p.Name] = p
	}
	if opts.NewCompleter == nil {
		opts.NewCompleter = llm.New
	}
	return &Service{
		store:        opts.Store,
		agents:       opts.Agents,
		profiles:     opts.Profiles,
		byName:       byName,
		starters:     opts.Starters,
		providers:    opts.Providers,
		newCompleter: opts.NewCompleter,
		logger:       opts.Logger.With().Str("component", "chat").Logger(),
		completers:   make(map[string]llm.Completer),
	}, nil
}

// Profiles lists the selectable chat profiles.
func (s *Service) Profiles() []Profile {
	return append([]Profile(nil), s.profiles...)
}

// Starters lists suggested first messages.
func (s *Service) Starters() []Starter {
	return append([]Starter(nil), s.starters...)
}

// Profile resolves a profile by name; an empty name selects the default profile.
func (s *Service) Profile(name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		for _, p := range s.profiles {
			if p.Default {
				return p, nil
			}
		}
		return s.profiles[0], nil
	}
	p, ok := s.byName[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p, nil
}

// CheckConnection verifies the agent service answers with the configured credentials.
func (s *Service) CheckConnection(ctx context.Context) error {
	if s.agents == nil {
		return nil
	}
	if _, err := s.agents.ListAgents(ctx, 1); err != nil {
		return fmt.Errorf("agent service connection: %w", err)
	}
	return nil
}

// StartChat opens a new chat. Agent profiles get a remote thread whose identifier is
// stored with the session.
func (s *Service) StartChat(ctx context.Context, userID int64, profileName string) (*models.Session, error) {
	profile, err := s.Profile(profileName)
	if err != nil {
		return nil, err
	}
	threadID := ""
	if profile.IsAgent() {
		thread, err := s.agents.CreateThread(ctx)
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		threadID = thread.ID
	}
	sess, err := s.store.CreateSession(ctx, userID, models.DefaultSessionTitle, profile.Name, threadID)
	if err != nil {
		if threadID != "" {
			s.dropThread(ctx, threadID)
		}
		return nil, err
	}
	s.logger.Info().
		Int64("user_id", userID).
		Int64("session_id", sess.ID).
		Str("profile", profile.Name).
		Str("thread_id", threadID).
		Msg("chat started")
	return sess, nil
}

// ResumeChat reloads a session and its transcript.
func (s *Service) ResumeChat(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	return s.store.GetSessionWithMessages(ctx, userID, sessionID)
}

// Session loads a session without its transcript.
func (s *Service) Session(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	return s.store.GetSession(ctx, userID, sessionID)
}

// ListChats returns the user's sessions, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]models.Session, error) {
	return s.store.ListSessions(ctx, userID)
}

// DeleteChat removes the session locally and its thread remotely.
func (s *Service) DeleteChat(ctx context.Context, userID, sessionID int64) error {
	sess, err := s.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if sess.HasThread() && s.agents != nil {
		s.dropThread(ctx, sess.ThreadID)
	}
	return nil
}

func (s *Service) dropThread(ctx context.Context, threadID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.agents.DeleteThread(ctx, threadID); err != nil {
		s.logger.Warn().Err(err).Str("thread_id", threadID).Msg("delete thread")
	}
}

// Turn is one user message sent from the UI.
type Turn struct {
	UserID    int64
	SessionID int64
	// Session, when set, saves a store read; it must belong to UserID.
	Session *models.Session
	Content string
	// OnChunk receives the accumulated partial reply when the backend streams.
	OnChunk func(string) error
}

// Outcome is what the UI shows for a turn. Text is always set: the reply, or the
// rendered error when Err is non-nil.
type Outcome struct {
	Session     *models.Session
	UserMessage *models.Message
	Reply       *models.Message
	Text        string
	Err         error
}

// ErrorText renders a turn failure the way the UI shows it.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	var runErr *agentapi.RunError
	if errors.As(err, &runErr) {
		return runErr.Error()
	}
	return "Error: " + err.Error()
}

// HandleMessage posts the user message to the session's backend and returns the reply.
// Every failure past input validation is recorded in the transcript as an error notice.
func (s *Service) HandleMessage(ctx context.Context, turn Turn) Outcome {
	content := strings.TrimSpace(turn.Content)
	if content == "" {
		return failed(nil, ErrEmptyMessage)
	}

	sess := turn.Session
	if sess == nil || sess.ID != turn.SessionID || sess.UserID != turn.UserID {
		loaded, err := s.store.GetSession(ctx, turn.UserID, turn.SessionID)
		if err != nil {
			return failed(nil, err)
		}
		sess = loaded
	}
	current := *sess
	sess = &current

	profile, err := s.Profile(sess.Profile)
	if err != nil {
		return failed(sess, err)
	}

	userMsg, err := s.store.AppendMessage(ctx, models.Message{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Author:    models.AuthorUser,
		Content:   content,
	})
	if err != nil {
		return failed(sess, err)
	}

	start := time.Now()
	var reply backendReply
	if profile.IsAgent() {
		reply, err = s.agentReply(ctx, sess, profile, content)
	} else {
		reply, err = s.completionReply(ctx, sess, profile, turn.OnChunk)
	}
	elapsed := time.Since(start)

	out := Outcome{Session: sess, UserMessage: userMsg}
	if err != nil {
		out.Err = err
		out.Text = ErrorText(err)
		metrics.ChatTurnsTotal.WithLabelValues(profile.Kind, "error").Inc()
		s.logger.Warn().Err(err).
			Int64("session_id", sess.ID).
			Str("profile", profile.Name).
			Msg("chat turn failed")
		out.Reply = s.record(ctx, sess, models.Message{
			Role:      models.RoleAssistant,
			Author:    models.AuthorError,
			Content:   out.Text,
			RunID:     reply.runID,
			ElapsedMS: elapsed.Milliseconds(),
		})
		return out
	}

	out.Text = reply.text
	metrics.ChatTurnsTotal.WithLabelValues(profile.Kind, "ok").Inc()
	out.Reply = s.record(ctx, sess, models.Message{
		Role:      models.RoleAssistant,
		Author:    models.AuthorAgent,
		Content:   reply.text,
		RunID:     reply.runID,
		ElapsedMS: elapsed.Milliseconds(),
	})
	s.maybeRetitle(ctx, sess, profile, content)
	return out
}

func failed(sess *models.Session, err error) Outcome {
	return Outcome{Session: sess, Err: err, Text: ErrorText(err)}
}

type backendReply struct {
	text  string
	runID string
}

func (s *Service) agentReply(ctx context.Context, sess *models.Session, profile Profile, content string) (backendReply, error) {
	threadID, err := s.ensureThread(ctx, sess)
	if err != nil {
		return backendReply{}, err
	}
	if _, err := s.agents.CreateMessage(ctx, threadID, agentapi.RoleUser, content); err != nil {
		return backendReply{}, err
	}
	run, err := s.agents.CreateAndProcessRun(ctx, threadID, profile.AgentID)
	if err != nil {
		return backendReply{}, err
	}
	if err := run.Err(); err != nil {
		return backendReply{runID: run.ID}, err
	}
	msgs, err := s.agents.ListMessages(ctx, threadID, agentapi.ListOptions{Order: "asc"})
	if err != nil {
		return backendReply{runID: run.ID}, err
	}
	text, err := agentapi.LastAssistantText(msgs, run.ID)
	if errors.Is(err, agentapi.ErrNoResponse) {
		return backendReply{text: NoResponseText, runID: run.ID}, nil
	}
	if err != nil {
		return backendReply{runID: run.ID}, err
	}
	return backendReply{text: text, runID: run.ID}, nil
}

// ensureThread returns the session's thread, creating and recording one when the
// session has none yet. A thread recorded concurrently wins over ours.
func (s *Service) ensureThread(ctx context.Context, sess *models.Session) (string, error) {
	if sess.HasThread() {
		return sess.ThreadID, nil
	}
	thread, err := s.agents.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	stored, err := s.store.SetThreadID(ctx, sess.UserID, sess.ID, thread.ID)
	if err != nil {
		s.dropThread(ctx, thread.ID)
		return "", err
	}
	if stored != thread.ID {
		s.dropThread(ctx, thread.ID)
	}
	sess.ThreadID = stored
	s.logger.Debug().Int64("session_id", sess.ID).Str("thread_id", stored).Msg("thread attached")
	return stored, nil
}

func (s *Service) completionReply(ctx context.Context, sess *models.Session, profile Profile, onChunk func(string) error) (backendReply, error) {
	completer, err := s.completer(ctx, sess.UserID, profile)
	if err != nil {
		return backendReply{}, err
	}
	transcript, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return backendReply{}, err
	}
	var text string
	if onChunk != nil {
		text, err = completer.Stream(ctx, transcript, onChunk)
	} else {
		text, err = completer.Complete(ctx, transcript)
	}
	if err != nil {
		return backendReply{}, err
	}
	if strings.TrimSpace(text) == "" {
		text = NoResponseText
	}
	return backendReply{text: text}, nil
}

func (s *Service) completer(ctx context.Context, userID int64, profile Profile) (llm.Completer, error) {
	provider, ok := s.providers[profile.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", profile.Provider)
	}
	key, err := s.store.ProviderKey(ctx, userID, profile.Provider)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = provider.APIKey
	}
	sum := sha256.Sum256([]byte(key))
	cacheKey := profile.Provider + "|" + profile.Model + "|" + hex.EncodeToString(sum[:8])

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.completers[cacheKey]; ok {
		return c, nil
	}
	c, err := s.newCompleter(ctx, provider, profile.Model, key)
	if err != nil {
		return nil, err
	}
	s.completers[cacheKey] = c
	return c, nil
}

// record persists the turn's reply or error notice. It outlives the turn context, so a
// turn that timed out or lost its client still leaves the notice in the transcript.
func (s *Service) record(ctx context.Context, sess *models.Session, msg models.Message) *models.Message {
	msg.UserID = sess.UserID
	msg.SessionID = sess.ID
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	saved, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		s.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("persist reply")
		msg.CreatedAt = time.Now().UTC()
		return &msg
	}
	return saved
}

// maybeRetitle names a fresh chat after its first message. Completion profiles ask the
// model for a title and fall back to the message itself.
func (s *Service) maybeRetitle(ctx context.Context, sess *models.Session, profile Profile, firstMessage string) {
	if sess.Title != "" && sess.Title != models.DefaultSessionTitle {
		return
	}
	title := truncateTitle(firstMessage)
	if !profile.IsAgent() {
		if c, err := s.completer(ctx, sess.UserID, profile); err == nil {
			generated, err := llm.GenerateTitle(ctx, c, []*models.Message{{Role: models.RoleUser, Content: firstMessage}})
			if err == nil && generated != models.DefaultSessionTitle {
				title = truncateTitle(generated)
			}
		}
	}
	if title == "" {
		return
	}
	if err := s.store.UpdateSessionTitle(ctx, sess.UserID, sess.ID, title); err != nil {
		s.logger.Warn().Err(err).Int64("session_id", sess.ID).Msg("update title")
		return
	}
	sess.Title = title
}

func truncateTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:titleRunes])) + "…"
}
