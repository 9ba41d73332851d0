package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/redis"
	"agentchat/internal/service/chat"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChatService is the part of chat.Service the manager drives.
type ChatService interface {
	StartChat(ctx context.Context, userID int64, profile string) (*models.Session, error)
	ResumeChat(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error)
	Session(ctx context.Context, userID, sessionID int64) (*models.Session, error)
	ListChats(ctx context.Context, userID int64) ([]models.Session, error)
	HandleMessage(ctx context.Context, turn chat.Turn) chat.Outcome
	DeleteChat(ctx context.Context, userID, sessionID int64) error
}

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

const (
	defaultMinWorkers = 2
	defaultMaxWorkers = 16
	defaultQueueSize  = 64
)

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = defaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultWorkerIdle
	}
	return c
}

// Manager runs chat turns on a bounded worker pool. Turns of one user run one at a
// time in submission order; different users share the pool fairly.
type Manager struct {
	svc        ChatService
	dispatcher *Dispatcher
	cache      *stateRedis
	logger     zerolog.Logger

	mu     sync.Mutex
	states map[int64]*userState

	closed    chan struct{}
	closeOnce sync.Once
	stopSub   context.CancelFunc
}

func NewManager(svc ChatService, cfg Config, cache *redis.Client, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "worker").Logger()
	m := &Manager{
		svc:    svc,
		logger: logger,
		states: make(map[int64]*userState),
		closed: make(chan struct{}),
	}
	m.cache = newStateCache(cache, uuid.NewString(), logger)
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout, m.handle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	m.stopSub = cancel
	m.cache.startListener(ctx, m.applyInvalidation)
	return m
}

// Start opens a new chat for the user with the named profile.
func (m *Manager) Start(ctx context.Context, userID int64, profile string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resultCh := make(chan startResult, 1)
	job := Job{
		Type:   Start,
		UserID: userID,
		start:  &startTask{ctx: ctx, userID: userID, profile: profile, resultCh: resultCh},
	}
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	select {
	case res := <-resultCh:
		return res.session, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrManagerClosed
	}
}

// Send runs one chat turn. The returned error covers dispatch failures only;
// failures of the turn itself are reported in the outcome.
func (m *Manager) Send(ctx context.Context, userID, sessionID int64, content string, onChunk func(string) error) (chat.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return chat.Outcome{}, err
	}
	turn := chat.Turn{
		UserID:    userID,
		SessionID: sessionID,
		Session:   m.lookup(userID, sessionID),
		Content:   content,
		OnChunk:   onChunk,
	}
	resultCh := make(chan chat.Outcome, 1)
	job := Job{
		Type:    Message,
		UserID:  userID,
		message: &messageTask{ctx: ctx, turn: turn, resultCh: resultCh},
	}
	if err := m.dispatcher.Submit(job); err != nil {
		return chat.Outcome{}, err
	}
	select {
	case out := <-resultCh:
		return out, nil
	case <-ctx.Done():
		return chat.Outcome{}, ctx.Err()
	case <-m.closed:
		return chat.Outcome{}, ErrManagerClosed
	}
}

// Resume returns the session and its transcript, and warms the session cache.
func (m *Manager) Resume(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	session, messages, err := m.svc.ResumeChat(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	m.state(userID).setSession(session)
	return session, messages, nil
}

func (m *Manager) Session(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	if session := m.lookup(userID, sessionID); session != nil {
		return session, nil
	}
	session, err := m.svc.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	m.state(userID).setSession(session)
	return session, nil
}

func (m *Manager) List(ctx context.Context, userID int64) ([]models.Session, error) {
	return m.svc.ListChats(ctx, userID)
}

// Delete removes the chat and forgets every cached copy of it.
func (m *Manager) Delete(ctx context.Context, userID, sessionID int64) error {
	if err := m.svc.DeleteChat(ctx, userID, sessionID); err != nil {
		return err
	}
	m.Purge(userID, sessionID)
	return nil
}

// Purge drops the cached session here, in redis and on the other replicas.
func (m *Manager) Purge(userID, sessionID int64) {
	m.purgeLocal(userID, sessionID)
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// ResetUser drops the user's queued jobs and cached sessions, e.g. on logout.
func (m *Manager) ResetUser(userID int64) {
	m.dispatcher.CancelUser(userID)
	m.mu.Lock()
	delete(m.states, userID)
	m.mu.Unlock()
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.stopSub()
		m.dispatcher.Close()
	})
}

func (m *Manager) handle(job Job) {
	switch job.Type {
	case Start:
		m.handleStart(job.start)
	case Message:
		m.handleMessage(job.message)
	default:
		m.logger.Warn().Str("job", string(job.Type)).Msg("unknown job type")
	}
}

func (m *Manager) handleStart(task *startTask) {
	if task == nil {
		return
	}
	if err := task.ctx.Err(); err != nil {
		task.resultCh <- startResult{err: err}
		return
	}
	session, err := m.svc.StartChat(task.ctx, task.userID, task.profile)
	if err == nil {
		m.remember(session)
	}
	task.resultCh <- startResult{session: session, err: err}
}

func (m *Manager) handleMessage(task *messageTask) {
	if task == nil {
		return
	}
	turn := task.turn
	if err := task.ctx.Err(); err != nil {
		task.resultCh <- chat.Outcome{Err: err, Text: chat.ErrorText(err)}
		return
	}
	// A turn queued behind another may carry a session copy taken before that turn
	// attached a thread or renamed the chat.
	if fresh := m.lookup(turn.UserID, turn.SessionID); fresh != nil {
		turn.Session = fresh
	}
	out := m.svc.HandleMessage(task.ctx, turn)
	switch {
	case errors.Is(out.Err, chat.ErrSessionNotFound):
		m.Purge(turn.UserID, turn.SessionID)
	case out.Session != nil && changed(turn.Session, out.Session):
		m.remember(out.Session)
		m.cache.publishInvalidation(invalidateMessage{UserID: out.Session.UserID, SessionID: out.Session.ID, Scope: scopeSession})
	case out.Session != nil && turn.Session == nil:
		m.state(turn.UserID).setSession(out.Session)
	}
	task.resultCh <- out
}

func changed(before, after *models.Session) bool {
	if before == nil {
		return true
	}
	return before.ThreadID != after.ThreadID || before.Title != after.Title
}

func (m *Manager) remember(session *models.Session) {
	if session == nil {
		return
	}
	m.state(session.UserID).setSession(session)
	m.cache.cacheSession(session)
}

// lookup finds a cached session locally, then in redis.
func (m *Manager) lookup(userID, sessionID int64) *models.Session {
	if state := m.getState(userID); state != nil {
		if session := state.getSession(sessionID); session != nil {
			return session
		}
	}
	if session, ok := m.cache.loadSession(userID, sessionID); ok {
		m.state(userID).setSession(session)
		return session
	}
	return nil
}

func (m *Manager) state(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		st = newUserState()
		m.states[userID] = st
	}
	return st
}

func (m *Manager) getState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID]
}

func (m *Manager) purgeLocal(userID, sessionID int64) {
	if state := m.getState(userID); state != nil {
		state.purgeCache(sessionID)
	}
}

func (m *Manager) applyInvalidation(msg invalidateMessage) {
	switch msg.Scope {
	case scopeUser:
		m.mu.Lock()
		delete(m.states, msg.UserID)
		m.mu.Unlock()
	case scopeSession:
		m.purgeLocal(msg.UserID, msg.SessionID)
	}
	m.logger.Debug().
		Str("scope", msg.Scope).
		Int64("user_id", msg.UserID).
		Int64("session_id", msg.SessionID).
		Msg("applied remote invalidation")
}
