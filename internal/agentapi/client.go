package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentchat/internal/config"
	"agentchat/internal/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxListPages bounds message pagination for a single call.
const maxListPages = 50

// Options configures a Client.
type Options struct {
	Endpoint   string
	APIVersion string
	Credential Credential
	Timeout    time.Duration
	Poll       PollPolicy
	Logger     zerolog.Logger
	HTTPClient *http.Client
}

// Client talks to the agent service REST API.
type Client struct {
	http   *resty.Client
	poll   PollPolicy
	logger zerolog.Logger
}

// NewClient creates a Resty-backed client.
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("agent service endpoint is required")
	}
	if opts.Credential == nil {
		return nil, errors.New("agent service credential is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(endpoint).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout)
	if opts.APIVersion != "" {
		rc.SetQueryParam("api-version", opts.APIVersion)
	}
	cred := opts.Credential
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetHeader("x-ms-client-request-id", uuid.NewString())
		return cred.Apply(req.Context(), req)
	})

	return &Client{
		http:   rc,
		poll:   opts.Poll.withDefaults(),
		logger: opts.Logger.With().Str("component", "agentapi").Logger(),
	}, nil
}

// NewFromConfig builds the client and its credential from service configuration.
func NewFromConfig(cfg config.AgentsConfig, logger zerolog.Logger) (*Client, error) {
	var cred Credential
	switch cfg.AuthMode {
	case config.AgentAuthAPIKey:
		cred = APIKeyCredential{Key: cfg.APIKey}
	default:
		bc, err := NewDefaultAzureCredential(cfg.Scope)
		if err != nil {
			return nil, err
		}
		cred = bc
	}
	poll := PollPolicy{
		Interval:    cfg.PollInterval,
		MaxInterval: cfg.PollMax,
		Timeout:     cfg.PollTimeout,
	}
	if cfg.PollMax > cfg.PollInterval {
		poll.Multiplier = 2
	}
	return NewClient(Options{
		Endpoint:   cfg.Endpoint,
		APIVersion: cfg.APIVersion,
		Credential: cred,
		Timeout:    cfg.HTTPTimeout,
		Poll:       poll,
		Logger:     logger,
	})
}

// GetAgent fetches one agent definition.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	var agent Agent
	if err := c.do(ctx, "get_agent", http.MethodGet, "/assistants/"+agentID, nil, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns the first page of agents; used as a connectivity check.
func (c *Client) ListAgents(ctx context.Context, limit int) ([]Agent, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var page listPage[Agent]
	if err := c.do(ctx, "list_agents", http.MethodGet, "/assistants", query, nil, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

// CreateThread opens a new conversation thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.do(ctx, "create_thread", http.MethodPost, "/threads", nil, map[string]any{}, &thread); err != nil {
		return nil, err
	}
	if thread.ID == "" {
		return nil, errors.New("create thread: service returned no thread id")
	}
	c.logger.Debug().Str("thread_id", thread.ID).Msg("thread created")
	return &thread, nil
}

// DeleteThread removes a thread and its messages on the service side.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	return c.do(ctx, "delete_thread", http.MethodDelete, "/threads/"+threadID, nil, nil, nil)
}

// CreateMessage appends a message to the thread.
func (c *Client) CreateMessage(ctx context.Context, threadID string, role Role, content string) (*ThreadMessage, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if role == "" {
		role = RoleUser
	}
	body := map[string]any{"role": role, "content": content}
	var msg ThreadMessage
	if err := c.do(ctx, "create_message", http.MethodPost, "/threads/"+threadID+"/messages", nil, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListOptions narrows ListMessages.
type ListOptions struct {
	Order string // asc or desc
	Limit int
	RunID string
}

// ListMessages returns the thread's messages, following pagination.
func (c *Client) ListMessages(ctx context.Context, threadID string, opts ListOptions) ([]ThreadMessage, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	order := opts.Order
	if order == "" {
		order = "asc"
	}
	var (
		out   []ThreadMessage
		after string
	)
	for page := 0; page < maxListPages; page++ {
		query := map[string]string{"order": order}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.RunID != "" {
			query["run_id"] = opts.RunID
		}
		if after != "" {
			query["after"] = after
		}
		var resp listPage[ThreadMessage]
		if err := c.do(ctx, "list_messages", http.MethodGet, "/threads/"+threadID+"/messages", query, nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if !resp.HasMore || resp.LastID == "" || resp.LastID == after {
			return out, nil
		}
		after = resp.LastID
	}
	c.logger.Warn().Str("thread_id", threadID).Int("messages", len(out)).Msg("message listing truncated")
	return out, nil
}

// CreateRun starts the agent on the thread.
func (c *Client) CreateRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	if threadID == "" || agentID == "" {
		return nil, errors.New("thread id and agent id are required")
	}
	var run Run
	body := map[string]any{"assistant_id": agentID}
	if err := c.do(ctx, "create_run", http.MethodPost, "/threads/"+threadID+"/runs", nil, body, &run); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("thread_id", threadID).Str("run_id", run.ID).Str("status", string(run.Status)).Msg("run created")
	return &run, nil
}

// GetRun fetches the current run state.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, "get_run", http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun asks the service to stop a pending run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, "cancel_run", http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/cancel", nil, map[string]any{}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateAndProcessRun starts a run and waits until it leaves the pending states.
func (c *Client) CreateAndProcessRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	run, err := c.CreateRun(ctx, threadID, agentID)
	if err != nil {
		return nil, err
	}
	return c.PollRun(ctx, threadID, run)
}

func (c *Client) do(ctx context.Context, op, method, path string, query map[string]string, body, result any) error {
	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(op).Inc()
		c.logger.Warn().Err(err).Str("operation", op).Msg("agent service request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		metrics.APIErrorsTotal.WithLabelValues(op).Inc()
		apiErr := decodeAPIError(resp.StatusCode(), resp.Body())
		c.logger.Warn().
			Int("status", apiErr.StatusCode).
			Str("code", apiErr.Code).
			Str("operation", op).
			Msg("agent service returned error")
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Error.Message != "" || env.Error.Code != "") {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
