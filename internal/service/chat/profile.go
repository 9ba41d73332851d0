package chat

import (
	"strings"

	"agentchat/internal/config"
)

// Profile is a selectable chat mode. Agent profiles talk to a hosted agent through a
// remote thread; completion profiles call a chat model with the locally stored transcript.
type Profile struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	AgentID     string `json:"agent_id,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Default     bool   `json:"default"`
}

func (p Profile) IsAgent() bool { return p.Kind == config.ProfileKindAgent }

// Starter is a suggested first message shown on an empty chat.
type Starter struct {
	Label   string `json:"label"`
	Message string `json:"message"`
	Icon    string `json:"icon,omitempty"`
}

// ProfilesFromConfig converts configured profiles, ensuring exactly one default.
func ProfilesFromConfig(cfgs []config.ProfileConfig) []Profile {
	out := make([]Profile, 0, len(cfgs))
	hasDefault := false
	for _, c := range cfgs {
		p := Profile{
			Name:        strings.TrimSpace(c.Name),
			Description: c.Description,
			Kind:        c.Kind,
			AgentID:     c.AgentID,
			Provider:    c.Provider,
			Model:       c.Model,
			Default:     c.Default && !hasDefault,
		}
		if p.Default {
			hasDefault = true
		}
		out = append(out, p)
	}
	if !hasDefault && len(out) > 0 {
		out[0].Default = true
	}
	return out
}

func StartersFromConfig(cfgs []config.StarterConfig) []Starter {
	out := make([]Starter, 0, len(cfgs))
	for _, c := range cfgs {
		if strings.TrimSpace(c.Message) == "" {
			continue
		}
		label := c.Label
		if label == "" {
			label = c.Message
		}
		out = append(out, Starter{Label: label, Message: c.Message, Icon: c.Icon})
	}
	return out
}
