package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agentchat/internal/agentapi"
	"agentchat/internal/agentapi/agentapitest"
	"agentchat/internal/config"
	"agentchat/internal/models"
	"agentchat/internal/service/history"
	"agentchat/internal/service/llm"
	"agentchat/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	mu      sync.Mutex
	chunks  []string
	title   string
	seen    [][]*models.Message
	factory int
}

func (f *fakeCompleter) Complete(_ context.Context, history []*models.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, history)
	return f.title, nil
}

func (f *fakeCompleter) Stream(_ context.Context, history []*models.Message, onChunk func(string) error) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, history)
	f.mu.Unlock()
	full := ""
	for _, c := range f.chunks {
		full += c
		if err := onChunk(full); err != nil {
			return full, err
		}
	}
	return full, nil
}

type fixture struct {
	svc       *Service
	store     *history.Service
	srv       *agentapitest.Server
	completer *fakeCompleter
	userID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := history.NewService(db, "sqlite3", "")
	require.NoError(t, err)
	user, err := store.RegisterUser(context.Background(), "tester", "pw")
	require.NoError(t, err)

	srv := agentapitest.NewServer()
	t.Cleanup(srv.Close)
	client, err := agentapi.NewClient(agentapi.Options{
		Endpoint:   srv.URL,
		APIVersion: "v1",
		Credential: agentapi.APIKeyCredential{Key: "k"},
		Poll:       agentapi.PollPolicy{Interval: time.Millisecond, Timeout: 2 * time.Second},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	fc := &fakeCompleter{chunks: []string{"Hel", "lo"}, title: "Greeting chat"}
	svc, err := NewService(Options{
		Store:  store,
		Agents: client,
		Profiles: ProfilesFromConfig([]config.ProfileConfig{
			{Name: "agent", Kind: config.ProfileKindAgent, AgentID: "asst_test", Default: true},
			{Name: "gpt", Kind: config.ProfileKindCompletion, Provider: "openai", Model: "gpt-4o"},
		}),
		Starters:  StartersFromConfig([]config.StarterConfig{{Message: "What can you do?"}}),
		Providers: map[string]config.ProviderConfig{"openai": {Kind: "openai", APIKey: "server-key"}},
		NewCompleter: func(_ context.Context, _ config.ProviderConfig, _ string, _ string) (llm.Completer, error) {
			fc.mu.Lock()
			fc.factory++
			fc.mu.Unlock()
			return fc, nil
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, srv: srv, completer: fc, userID: user.ID}
}

func TestStartChatCreatesThread(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.StartChat(context.Background(), f.userID, "")
	require.NoError(t, err)
	assert.Equal(t, "agent", sess.Profile)
	assert.True(t, sess.HasThread())
	assert.Equal(t, 1, f.srv.ThreadCount())

	_, err = f.svc.StartChat(context.Background(), f.userID, "missing")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestHandleMessageAgentReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.StartChat(ctx, f.userID, "agent")
	require.NoError(t, err)

	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: " hello there "})
	require.NoError(t, out.Err)
	assert.Equal(t, "echo: hello there", out.Text)
	require.NotNil(t, out.Reply)
	assert.Equal(t, models.AuthorAgent, out.Reply.Author)
	assert.NotEmpty(t, out.Reply.RunID)
	assert.Equal(t, "hello there", out.Session.Title)

	_, msgs, err := f.svc.ResumeChat(ctx, f.userID, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "echo: hello there", msgs[1].Content)

	// Second turn reuses the thread and returns the new reply, not the first one.
	out = f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: "again"})
	require.NoError(t, out.Err)
	assert.Equal(t, "echo: again", out.Text)
	assert.Equal(t, 1, f.srv.ThreadCount())
	assert.Equal(t, "hello there", out.Session.Title)
}

func TestHandleMessageRunFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Steps = []agentapi.RunStatus{agentapi.RunFailed}
	f.srv.LastError = &agentapi.RunLastError{Code: "rate_limit_exceeded", Message: "slow down"}
	sess, err := f.svc.StartChat(ctx, f.userID, "agent")
	require.NoError(t, err)

	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: "hi"})
	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, agentapi.ErrRunFailed))
	assert.Equal(t, "Run failed: rate_limit_exceeded: slow down", out.Text)
	require.NotNil(t, out.Reply)
	assert.True(t, out.Reply.IsError())
	assert.Equal(t, models.DefaultSessionTitle, out.Session.Title)
}

func TestHandleMessageRecordsErrorAfterDeadline(t *testing.T) {
	f := newFixture(t)
	f.srv.Steps = []agentapi.RunStatus{agentapi.RunInProgress}
	sess, err := f.svc.StartChat(context.Background(), f.userID, "agent")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: "hi"})
	require.Error(t, out.Err)
	require.NotNil(t, out.Reply)
	assert.NotZero(t, out.Reply.ID)
	assert.True(t, out.Reply.IsError())

	_, msgs, err := f.svc.ResumeChat(context.Background(), f.userID, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, models.AuthorError, msgs[1].Author)
	assert.Equal(t, out.Text, msgs[1].Content)
}

func TestHandleMessageNoAssistantText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Reply = func(string) string { return "" }
	sess, err := f.svc.StartChat(ctx, f.userID, "agent")
	require.NoError(t, err)

	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: "hi"})
	require.NoError(t, out.Err)
	assert.Equal(t, NoResponseText, out.Text)
}

func TestHandleMessageCreatesMissingThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.store.CreateSession(ctx, f.userID, "", "agent", "")
	require.NoError(t, err)

	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Session: sess, Content: "hi"})
	require.NoError(t, out.Err)
	assert.True(t, out.Session.HasThread())
	assert.False(t, sess.HasThread(), "caller's session must not be mutated")

	stored, err := f.store.GetSession(ctx, f.userID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ThreadID, stored.ThreadID)
}

func TestHandleMessageRendersServiceErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.store.CreateSession(ctx, f.userID, "", "agent", "thread_gone")
	require.NoError(t, err)

	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: "hi"})
	require.Error(t, out.Err)
	var apiErr *agentapi.APIError
	require.True(t, errors.As(out.Err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.True(t, strings.HasPrefix(out.Text, "Error: "), out.Text)

	_, msgs, err := f.svc.ResumeChat(ctx, f.userID, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.AuthorError, msgs[1].Author)
	assert.Equal(t, out.Text, msgs[1].Content)
}

func TestHandleMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: 1, Content: "  "})
	assert.ErrorIs(t, out.Err, ErrEmptyMessage)

	out = f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: 999, Content: "hi"})
	assert.ErrorIs(t, out.Err, ErrSessionNotFound)
	assert.Equal(t, "Error: session not found", out.Text)
	assert.Nil(t, out.Reply)
}

func TestHandleMessageCompletionStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.StartChat(ctx, f.userID, "gpt")
	require.NoError(t, err)
	assert.False(t, sess.HasThread())

	var chunks []string
	out := f.svc.HandleMessage(ctx, Turn{
		UserID:    f.userID,
		SessionID: sess.ID,
		Content:   "hi",
		OnChunk: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	require.NoError(t, out.Err)
	assert.Equal(t, "Hello", out.Text)
	assert.Equal(t, []string{"Hel", "Hello"}, chunks)
	assert.Equal(t, "Greeting chat", out.Session.Title)

	require.NotEmpty(t, f.completer.seen)
	transcript := f.completer.seen[0]
	require.Len(t, transcript, 1)
	assert.Equal(t, "hi", transcript[0].Content)

	out = f.svc.HandleMessage(ctx, Turn{UserID: f.userID, SessionID: sess.ID, Content: "more", OnChunk: func(string) error { return nil }})
	require.NoError(t, out.Err)
	assert.Equal(t, 1, f.completer.factory, "completer should be cached")
}

func TestDeleteChatRemovesThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.StartChat(ctx, f.userID, "agent")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteChat(ctx, f.userID, sess.ID))
	assert.Equal(t, 0, f.srv.ThreadCount())
	assert.ErrorIs(t, f.svc.DeleteChat(ctx, f.userID, sess.ID), ErrSessionNotFound)
}

func TestCheckConnection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.CheckConnection(context.Background()))

	f.srv.APIKey = "other"
	err := f.svc.CheckConnection(context.Background())
	require.Error(t, err)
	var apiErr *agentapi.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestProfilesAndStarters(t *testing.T) {
	f := newFixture(t)
	profiles := f.svc.Profiles()
	require.Len(t, profiles, 2)
	assert.True(t, profiles[0].Default)
	assert.False(t, profiles[1].Default)

	starters := f.svc.Starters()
	require.Len(t, starters, 1)
	assert.Equal(t, "What can you do?", starters[0].Label)
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "", ErrorText(nil))
	assert.Equal(t, "Error: boom", ErrorText(errors.New("boom")))
	runErr := &agentapi.RunError{Status: agentapi.RunFailed, LastError: &agentapi.RunLastError{Message: "bad"}}
	assert.Equal(t, "Run failed: bad", ErrorText(runErr))
}

func TestTruncateTitle(t *testing.T) {
	assert.Equal(t, "short title", truncateTitle("  short \n title "))
	long := strings.Repeat("é", 50)
	got := truncateTitle(long)
	assert.Equal(t, strings.Repeat("é", 40)+"…", got)
}

func TestNewServiceRequiresAgentsForAgentProfiles(t *testing.T) {
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	defer db.Close()
	store, err := history.NewService(db, "sqlite3", "")
	require.NoError(t, err)
	_, err = NewService(Options{
		Store:    store,
		Profiles: []Profile{{Name: "agent", Kind: config.ProfileKindAgent, AgentID: "a"}},
	})
	assert.ErrorIs(t, err, ErrAgentsDisabled)
}
