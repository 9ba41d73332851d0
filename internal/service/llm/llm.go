package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"agentchat/internal/config"
	"agentchat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const (
	KindOpenAI      = "openai"
	KindAzureOpenAI = "azure-openai"
	KindClaude      = "claude"
	KindGemini      = "gemini"
)

// Completer answers a conversation transcript.
type Completer interface {
	Complete(ctx context.Context, history []*models.Message) (string, error)
	// Stream calls onChunk with the accumulated reply after every received chunk.
	Stream(ctx context.Context, history []*models.Message, onChunk func(string) error) (string, error)
}

// Factory builds a Completer for a configured provider.
type Factory func(ctx context.Context, provider config.ProviderConfig, modelName, apiKey string) (Completer, error)

// New is the default Factory backed by eino chat models.
func New(ctx context.Context, provider config.ProviderConfig, modelName, apiKey string) (Completer, error) {
	if modelName == "" {
		modelName = provider.Model
	}
	if modelName == "" {
		return nil, errors.New("model name is required")
	}
	if apiKey == "" {
		apiKey = provider.APIKey
	}
	if apiKey == "" {
		return nil, errors.New("api key not configured")
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch strings.ToLower(provider.Kind) {
	case KindOpenAI, "":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provider.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case KindAzureOpenAI:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			ByAzure:    true,
			BaseURL:    provider.BaseURL,
			APIVersion: provider.APIVersion,
			Model:      modelName,
			APIKey:     apiKey,
		})
	case KindGemini:
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case KindClaude:
		var baseURL *string
		if provider.BaseURL != "" {
			baseURL = &provider.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider kind: %s", provider.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider.Kind, err)
	}
	return &chatCompleter{model: chatModel}, nil
}

type chatCompleter struct {
	model model.BaseChatModel
}

// NewCompleter wraps an existing eino chat model.
func NewCompleter(m model.BaseChatModel) Completer {
	return &chatCompleter{model: m}
}

func (c *chatCompleter) Complete(ctx context.Context, history []*models.Message) (string, error) {
	resp, err := c.model.Generate(ctx, ConvertMessages(history))
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return resp.Content, nil
}

func (c *chatCompleter) Stream(ctx context.Context, history []*models.Message, onChunk func(string) error) (string, error) {
	reader, err := c.model.Stream(ctx, ConvertMessages(history))
	if err != nil {
		return "", fmt.Errorf("open reply stream: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("read reply stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(full.String()); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// ConvertMessages maps the stored transcript to eino messages. Error notices are dropped.
func ConvertMessages(history []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil || msg.IsError() || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

// GenerateTitle asks the model for a short conversation title.
func GenerateTitle(ctx context.Context, c Completer, history []*models.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range history {
		switch {
		case msg == nil || msg.IsError():
		case msg.Role == models.RoleUser:
			fmt.Fprintf(&transcript, "User: %s\n", msg.Content)
		case msg.Role == models.RoleAssistant:
			fmt.Fprintf(&transcript, "Assistant: %s\n", msg.Content)
		}
	}
	if transcript.Len() == 0 {
		return models.DefaultSessionTitle, nil
	}
	prompt := []*models.Message{
		{Role: models.RoleSystem, Content: "You generate conversation titles. " +
			"Summarise the main topic of the dialogue in at most six words. Output only the title."},
		{Role: models.RoleUser, Content: "Conversation:\n\n" + transcript.String()},
	}
	title, err := c.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return models.DefaultSessionTitle, nil
	}
	return title, nil
}
