package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// OpenAIAdapter implements ports.CompletionService against any
// OpenAI-compatible server (llama.cpp, vLLM, LM Studio).
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter creates an adapter for the server at baseURL (".../v1").
func NewOpenAIAdapter(baseURL, apiKey string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg)}
}

func chatRequest(req ports.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:     req.Model.Name,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// Complete produces a whole response in one call.
func (a *OpenAIAdapter) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, chatRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream produces a streaming response.
func (a *OpenAIAdapter) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamToken, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, chatRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	ch := make(chan ports.StreamToken, 100)

	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(tok ports.StreamToken) bool {
			select {
			case ch <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage *entities.UsageStats
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ports.StreamToken{Done: true, Usage: usage})
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				send(ports.StreamToken{Error: fmt.Errorf("stream error: %w", err)})
				return
			}

			if response.Usage != nil {
				usage = &entities.UsageStats{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
				}
			}
			if len(response.Choices) > 0 {
				if content := response.Choices[0].Delta.Content; content != "" {
					if !send(ports.StreamToken{Content: content}) {
						return
					}
				}
			}
		}
	}()

	return ch, nil
}
