// Package conversation produces assistant replies with long-term memory.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexiqai/david-relay/internal/llm"
	"github.com/lexiqai/david-relay/internal/persona"
	"github.com/lexiqai/david-relay/internal/store"
)

// Manager answers user prompts with the stored history as context.
type Manager struct {
	store   store.Store
	client  llm.Client
	model   string
	persona persona.Persona
}

// NewManager creates a conversation manager
func NewManager(s store.Store, client llm.Client, model string, p persona.Persona) *Manager {
	return &Manager{store: s, client: client, model: model, persona: p}
}

// Respond produces the reply to prompt and appends both turns to the
// user's history. Nothing is persisted when the completion fails.
func (m *Manager) Respond(ctx context.Context, userID, prompt string, voiceEnabled, audioAcknowledged bool) (string, error) {
	history, err := m.store.Conversation(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}

	summary := m.persona.FirstSessionSummary
	if len(history) > 0 {
		summary, err = m.Summarize(ctx, history)
		if err != nil {
			return "", fmt.Errorf("summarize conversation: %w", err)
		}
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: m.persona.SystemDirective(voiceEnabled, audioAcknowledged, summary),
	})
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	reply, err := m.client.Complete(ctx, m.model, messages)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	reply = strings.TrimSpace(reply)

	history = append(history,
		store.Turn{Role: store.RoleUser, Content: prompt},
		store.Turn{Role: store.RoleAssistant, Content: reply},
	)
	if err := m.store.SaveConversation(ctx, userID, history); err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}

	return reply, nil
}

// Summarize asks the completion backend for a short summary of the user and
// assistant turns in history. Other roles are left out so stored
// instructions are not echoed back.
func (m *Manager) Summarize(ctx context.Context, history []store.Turn) (string, error) {
	filtered := make([]store.Turn, 0, len(history))
	for _, turn := range history {
		if turn.Role == store.RoleUser || turn.Role == store.RoleAssistant {
			filtered = append(filtered, turn)
		}
	}

	transcript, err := json.Marshal(filtered)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}

	summary, err := m.client.Complete(ctx, m.model, []llm.Message{
		{Role: llm.RoleSystem, Content: m.persona.SummaryInstruction},
		{Role: llm.RoleUser, Content: string(transcript)},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
