package handlers

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dshills/stepflow-go/flow"
)

// CodeLLMError marks chat completion failures; a natural retryOn target
// for rate limits and transient API errors.
const CodeLLMError = "LLM_ERROR"

// LLM calls a chat completion API with the step input as the user
// message.
//
// Config:
//   - model: model identifier (default gpt-4o-mini)
//   - system: system prompt (optional)
//   - maxTokens: completion cap (optional)
//
// Input: the user message; non-string inputs are rendered with %v.
//
// Output: {content, model, promptTokens, completionTokens}.
type LLM struct {
	client *openai.Client
}

// NewLLM creates the handler with an API key.
func NewLLM(apiKey string) *LLM {
	return &LLM{client: openai.NewClient(apiKey)}
}

// NewLLMWithClient creates the handler over an existing client, e.g.
// one pointed at a compatible local endpoint.
func NewLLMWithClient(client *openai.Client) *LLM {
	return &LLM{client: client}
}

// Type implements flow.Handler.
func (l *LLM) Type() string { return "llm.chat" }

// Describe implements flow.Describer.
func (l *LLM) Describe() flow.Descriptor {
	return flow.Descriptor{
		Type:        "llm.chat",
		Description: "Sends the step input to a chat completion model.",
	}
}

// Execute implements flow.Handler.
func (l *LLM) Execute(ctx context.Context, p flow.Params) flow.Result {
	message, ok := p.Input.(string)
	if !ok {
		if p.Input == nil {
			return flow.Failure(flow.CodeInputError, "llm.chat needs a prompt input")
		}
		message = fmt.Sprintf("%v", p.Input)
	}

	model := configString(p.Step.Config, "model")
	if model == "" {
		model = openai.GPT4oMini
	}

	var messages []openai.ChatCompletionMessage
	if system := configString(p.Step.Config, "system"); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	req := openai.ChatCompletionRequest{Model: model, Messages: messages}
	if maxTokens, ok := configInt64(p.Step.Config, "maxTokens"); ok && maxTokens > 0 {
		req.MaxTokens = int(maxTokens)
	}

	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return flow.Failure(CodeLLMError, "chat completion failed: "+err.Error())
	}
	if len(resp.Choices) == 0 {
		return flow.Failure(CodeLLMError, "chat completion returned no choices")
	}

	return flow.Success(map[string]any{
		"content":          resp.Choices[0].Message.Content,
		"model":            resp.Model,
		"promptTokens":     resp.Usage.PromptTokens,
		"completionTokens": resp.Usage.CompletionTokens,
	})
}
