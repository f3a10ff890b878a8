package usecase

import (
	"context"
	"fmt"
	"strings"

	"persona-relay/internal/domain"
)

// buildTurns assembles the responder input: the persona system turn followed
// by the conversation's stored history in order. Only the conversation's own
// messages are ever included.
func buildTurns(persona string, history []domain.Message) []domain.ChatMessage {
	turns := make([]domain.ChatMessage, 0, len(history)+1)
	if p := strings.TrimSpace(persona); p != "" {
		turns = append(turns, domain.ChatMessage{Role: string(domain.RoleSystem), Content: p})
	}
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := m.Role
		if role != domain.RoleVisitor && role != domain.RoleOperator {
			continue
		}
		turns = append(turns, domain.ChatMessage{Role: string(role), Content: content})
	}
	return turns
}

func (c *Coordinator) ensurePrompt(ctx context.Context) (persona, model string, err error) {
	c.promptMu.RLock()
	if c.promptLoaded {
		persona, model = c.persona, c.model
		c.promptMu.RUnlock()
		return persona, model, nil
	}
	c.promptMu.RUnlock()

	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	if c.promptLoaded {
		return c.persona, c.model, nil
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	persona, err = c.params.GetParameter(sctx, c.cfg.ParamPrefix+"/persona_prompt")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load persona prompt: %w", err)
	}
	model, err = c.params.GetParameter(sctx, c.cfg.ParamPrefix+"/config/openai_model")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load openai model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return "", "", fmt.Errorf("usecase: openai model parameter is empty")
	}

	c.persona = persona
	c.model = model
	c.promptLoaded = true
	return persona, model, nil
}
