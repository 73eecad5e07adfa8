package session

import (
	"sort"
	"strings"

	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/model"
)

// maxHistoryTurns bounds how much conversation the session engine hands
// the LLM on every turn.
const maxHistoryTurns = 20

// isDebugCommand reports whether an inbound message is the operator
// debug command, which short-circuits the whole pipeline before any
// credit is spent or any LLM call is made.
func isDebugCommand(text string) bool {
	return strings.TrimSpace(text) == "/debug"
}

// truncateHistory keeps only the most recent n turns, oldest first.
func truncateHistory(history []model.HistoryTurn, n int) []model.HistoryTurn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// buildSystemPrompt concatenates the bot's general prompt with the
// current phase's prompt and a one-line status note per activated,
// track-usage action.
func buildSystemPrompt(general, phasePrompt string, activatedActions []string) string {
	var b strings.Builder
	b.WriteString(general)
	if phasePrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(phasePrompt)
	}
	for _, name := range activatedActions {
		b.WriteString("\n\nO usuário já ativou: ")
		b.WriteString(name)
		b.WriteString(".")
	}
	return b.String()
}

// assembleMessages turns a system prompt, bounded history and the new
// inbound text into the chat message list the LLM client expects.
func assembleMessages(systemPrompt string, history []model.HistoryTurn, inboundText string) []clients.ChatMessage {
	msgs := make([]clients.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, clients.ChatMessage{Role: string(model.RoleSystem), Content: systemPrompt})
	for _, turn := range truncateHistory(history, maxHistoryTurns) {
		msgs = append(msgs, clients.ChatMessage{Role: string(turn.Role), Content: turn.Text})
	}
	msgs = append(msgs, clients.ChatMessage{Role: string(model.RoleUser), Content: inboundText})
	return msgs
}

// activatedActionNames extracts the names of track-usage actions the
// session has already activated, in a stable order, for prompt assembly.
func activatedActionNames(statuses map[string]model.ActionStatus) []string {
	var names []string
	for name, status := range statuses {
		if status == model.ActionActivated {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
