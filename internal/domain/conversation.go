package domain

import "fmt"

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// HistoryEntry is a single persisted conversation turn.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Validate rejects entries with an unknown role.
func (e HistoryEntry) Validate() error {
	if !e.Role.Valid() {
		return fmt.Errorf("domain: unknown role %q", e.Role)
	}
	return nil
}

// TrimLeadingAssistant drops assistant turns from the head of history so the
// result is empty or starts with a user turn.
func TrimLeadingAssistant(history []HistoryEntry) []HistoryEntry {
	i := 0
	for i < len(history) && history[i].Role == RoleAssistant {
		i++
	}
	return history[i:]
}
