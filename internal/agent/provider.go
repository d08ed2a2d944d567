// Package agent implements the conversation loop: it consumes inbound
// messages from the bus, assembles the model context, streams completions
// from an LLM provider, dispatches tool calls through the registry, and
// publishes reply chunks back onto the bus.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// defaultMaxTokens caps a completion when the request does not say.
const defaultMaxTokens = 4096

// CompletionMessage is one turn of model context. Role is "user",
// "assistant", or "tool"; tool messages carry results back to the model.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// CompletionRequest is a single streaming completion call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []models.ToolDefinition
	MaxTokens int
}

// CompletionChunk is one streamed fragment. Exactly one of Text, ToolCall,
// Done, or Err is meaningful per chunk; token counts ride on the Done chunk
// when the provider reports them.
type CompletionChunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// Provider streams completions from one model family. The returned channel
// is closed by the provider when the stream ends, errors, or the context is
// cancelled.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)
}

// ErrNoProvider is returned when no configured provider serves the model.
var ErrNoProvider = errors.New("no provider configured for model")

// Providers selects a provider by model name. OpenAI model families route
// to the OpenAI provider; everything else goes to Anthropic.
type Providers struct {
	Anthropic Provider
	OpenAI    Provider
}

// For resolves the provider for a model name.
func (p Providers) For(model string) (Provider, error) {
	if isOpenAIModel(model) {
		if p.OpenAI == nil {
			return nil, ErrNoProvider
		}
		return p.OpenAI, nil
	}
	if p.Anthropic == nil {
		return nil, ErrNoProvider
	}
	return p.Anthropic, nil
}

func isOpenAIModel(model string) bool {
	for _, prefix := range []string{"gpt-", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func maxTokensOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return defaultMaxTokens
}
