package agentapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/go-resty/resty/v2"
)

// DefaultScope is the token audience of the agent service.
const DefaultScope = "https://ai.azure.com/.default"

// Credential authorises outgoing requests.
type Credential interface {
	Apply(ctx context.Context, req *resty.Request) error
}

// BearerCredential fetches Entra ID tokens and reuses them until shortly before expiry.
type BearerCredential struct {
	source azcore.TokenCredential
	scope  string
	skew   time.Duration

	mu    sync.Mutex
	token azcore.AccessToken
}

func NewBearerCredential(source azcore.TokenCredential, scope string) *BearerCredential {
	if scope == "" {
		scope = DefaultScope
	}
	return &BearerCredential{source: source, scope: scope, skew: 2 * time.Minute}
}

// NewDefaultAzureCredential resolves credentials from the environment, managed identity
// or a developer login, the same chain the Azure CLI tooling uses.
func NewDefaultAzureCredential(scope string) (*BearerCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	return NewBearerCredential(cred, scope), nil
}

func (c *BearerCredential) Apply(ctx context.Context, req *resty.Request) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	req.SetAuthToken(token)
	return nil
}

func (c *BearerCredential) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Token != "" && time.Until(c.token.ExpiresOn) > c.skew {
		return c.token.Token, nil
	}
	tok, err := c.source.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{c.scope}})
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	if tok.Token == "" {
		return "", errors.New("get token: empty access token")
	}
	c.token = tok
	return tok.Token, nil
}

// APIKeyCredential sends a static key in the api-key header.
type APIKeyCredential struct {
	Key string
}

func (c APIKeyCredential) Apply(_ context.Context, req *resty.Request) error {
	if c.Key == "" {
		return errors.New("api key not configured")
	}
	req.SetHeader("api-key", c.Key)
	return nil
}
