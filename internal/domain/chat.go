package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// generation backends that speak an OpenAI-style messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is everything a generation backend needs for one reply.
// History never starts with an assistant turn.
type CompletionRequest struct {
	SystemInstruction string
	History           []HistoryEntry
	Message           string
	MaxOutputTokens   int
}
