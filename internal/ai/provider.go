// Package ai abstracts the language-model backends the coach can talk to.
package ai

import "context"

// Message is one conversational turn sent to a provider.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Provider answers one coaching prompt. The system instruction carries the
// coach persona, the safeguarding protocol and the current curriculum phase;
// providers translate it into whatever their API expects.
type Provider interface {
	Chat(ctx context.Context, system string, messages []Message) (string, error)
}

// StreamProvider is optional. Providers may additionally stream reply chunks.
type StreamProvider interface {
	StreamChat(ctx context.Context, system string, messages []Message) (<-chan string, <-chan error)
}
