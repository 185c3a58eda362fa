package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MegaGrindStone/ganapathi/internal/models"
)

// PersonaPrompt instructs self-hosted models to reply in the same JSON shape the remote
// service returns.
const PersonaPrompt = `You are Lord Ganesha, remover of obstacles, speaking to a devotee.
Answer with compassion and brevity. Reply in the language of the question.
Respond ONLY with a JSON object with these fields:
{"lang": "<ISO 639-1 code>", "blessing_open": "<short opening blessing>", "answer": "<your answer>",
 "blessing_close": "<short closing blessing>", "refusal": <true if you decline to answer>,
 "refusal_reason": "<why you declined, empty otherwise>"}`

const maxHistoryTurns = 20

type turn struct {
	role    string
	content string
}

// history keeps the recent turns of every session so self-hosted backends can offer the same
// server-side conversation context the remote service does.
type history struct {
	mu    sync.Mutex
	turns map[string][]turn
}

func newHistory() *history {
	return &history{turns: make(map[string][]turn)}
}

func (h *history) get(sessionID string) []turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]turn(nil), h.turns[sessionID]...)
}

func (h *history) add(sessionID string, ts ...turn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	turns := append(h.turns[sessionID], ts...)
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}
	h.turns[sessionID] = turns
}

// parseAssistantResponse decodes a model completion into an AssistantResponse. Models
// sometimes wrap JSON in a markdown fence, which is stripped first.
func parseAssistantResponse(raw string) (models.AssistantResponse, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var res models.AssistantResponse
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return models.AssistantResponse{}, fmt.Errorf("%w: error decoding completion: %w", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(res.Answer) == "" {
		return models.AssistantResponse{}, fmt.Errorf("%w: completion has no answer", ErrInvalidResponse)
	}
	if !res.Refusal {
		res.RefusalReason = ""
	}
	return res, nil
}
