package services

import (
	"strings"

	"github.com/tbourn/go-workshop-backend/internal/ai"
	"github.com/tbourn/go-workshop-backend/internal/domain"
)

// systemPrompt frames the assistant for automotive diagnostics. Vehicle
// context and DTC codes from the thread snapshot are appended per thread.
const systemPrompt = `You are an expert automotive diagnostic assistant helping professional workshop technicians.
Give practical, step-by-step guidance: likely causes ranked by probability, the checks to confirm each one, and the parts or tools involved.
When diagnostic trouble codes are provided, explain what each code means for this specific vehicle before suggesting fixes.
Be concise. Assume the reader is a trained technician.`

// historyTokenBudget caps how much conversation history is replayed to the
// provider, using the same rough 4-bytes-per-token estimate as the quota
// pre-flight.
const historyTokenBudget = 3000

// BuildPrompt assembles the provider prompt for one turn: the system prompt
// enriched with the thread's vehicle snapshot, as much recent history as fits
// the budget (oldest dropped first), then the new user message.
func BuildPrompt(t *domain.ChatThread, history []domain.ChatMessage, newContent string) []ai.Message {
	sys := systemPrompt
	if t.VehicleContext != nil && *t.VehicleContext != "" {
		sys += "\n\nVehicle under diagnosis: " + *t.VehicleContext
	}
	if t.ErrorCodes != nil && *t.ErrorCodes != "" {
		sys += "\nReported DTC codes: " + strings.ReplaceAll(*t.ErrorCodes, ",", ", ")
	}

	msgs := []ai.Message{{Role: domain.MessageRoleSystem, Content: sys}}

	// Walk history newest-first until the budget runs out, then restore order.
	budget := int64(historyTokenBudget)
	var kept []domain.ChatMessage
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == domain.MessageRoleSystem {
			continue
		}
		cost := int64(len(m.Content) / 4)
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, m)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, ai.Message{Role: kept[i].Role, Content: kept[i].Content})
	}

	return append(msgs, ai.Message{Role: domain.MessageRoleUser, Content: newContent})
}
