package agent

import (
	"github.com/dusk-indust/relay/internal/a2a"
)

// CardConfig holds the variable parts of the discovery document.
type CardConfig struct {
	Name         string
	Description  string
	URL          string
	Version      string
	Organization string
	Capabilities []string
}

var skillNames = map[string]string{
	"bash_execution":       "Bash execution",
	"code_editing":         "Code editing",
	"software_engineering": "Software engineering",
}

// NewCard builds the agent card. Each capability becomes a skill.
func NewCard(cfg CardConfig) a2a.AgentCard {
	card := a2a.AgentCard{
		Name:        cfg.Name,
		Description: cfg.Description,
		URL:         cfg.URL,
		Version:     cfg.Version,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              false,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             []a2a.AgentSkill{},
	}
	if cfg.Organization != "" {
		card.Provider = &a2a.AgentProvider{Organization: cfg.Organization}
	}
	for _, c := range cfg.Capabilities {
		name := skillNames[c]
		if name == "" {
			name = c
		}
		card.Skills = append(card.Skills, a2a.AgentSkill{
			ID:          c,
			Name:        name,
			Description: cfg.Description,
			Tags:        []string{c},
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		})
	}
	return card
}
