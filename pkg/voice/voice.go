// Package voice holds the shared domain types of the turn-taking pipeline:
// conversation messages exchanged with the generation provider and the error
// taxonomy used across the capture, turn, and playback flows.
package voice

// Role identifies the author of a conversation [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a session's conversation history.
type Message struct {
	Role    Role
	Content string
}
