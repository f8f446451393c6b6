package llm

import "errors"

// Message is one turn of a conversation sent to the model.
type Message struct {
	// Role is [RoleSystem], [RoleUser] or [RoleAssistant].
	Role    string
	Content string

	// Name optionally labels the speaker.
	Name string
}

// Errors a Provider may wrap so callers can tell rejected requests from
// transport failures without knowing the SDK.
var (
	// ErrRateLimited means the backend refused the request for exceeding a
	// rate or spending limit.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrUnauthorized means the credentials were missing or rejected.
	ErrUnauthorized = errors.New("llm: unauthorized")
)
