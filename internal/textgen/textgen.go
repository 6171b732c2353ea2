// Package textgen is the single-capability text-generation port used by the
// brief compiler and the voter committee, with HTTP implementations for
// Anthropic, Google, and OpenAI-compatible endpoints.
package textgen

import "context"

// TextGenerator sends one system+user exchange and returns the text reply.
type TextGenerator interface {
	Chat(ctx context.Context, system, user string) (string, error)
}
