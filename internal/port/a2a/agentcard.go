package a2a

import (
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/service"
)

// BuildCard returns a CardBuilder over the live registry, so the card
// reflects every agent registered by the time a client asks.
func BuildCard(cfg config.Config, reg *service.Registry) CardBuilder {
	return func() AgentCard {
		agents := reg.List()

		card := AgentCard{
			Name:        cfg.Agent.Name,
			Description: cfg.Agent.Description,
			URL:         cfg.Server.BaseURL,
			Version:     cfg.Agent.Version,
			Agents:      agents,
			Capabilities: Capabilities{
				Streaming: true,
			},
			Endpoints: Endpoints{
				RPC:    cfg.Server.BaseURL + "/a2a",
				Stream: cfg.Server.BaseURL + "/a2a/tasks",
			},
		}
		if cfg.MCP.Enabled() {
			target := cfg.MCP.URL
			if target == "" {
				target = cfg.MCP.Command
			}
			card.Endpoints.MCP = target
		}
		for _, id := range agents {
			card.Skills = append(card.Skills, id.Skills...)
		}
		return card
	}
}
