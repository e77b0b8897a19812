package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements Embedder and Completer against the OpenAI API.
type OpenAI struct {
	client         *openai.Client
	embeddingModel string
	logger         *slog.Logger
}

// NewOpenAI creates an OpenAI adapter. A nil logger falls back to
// slog.Default.
func NewOpenAI(apiKey, embeddingModel string, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client:         openai.NewClient(apiKey),
		embeddingModel: embeddingModel,
		logger:         logger,
	}
}

// Embed returns the embedding vector for text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// Complete runs a chat completion for the given message list.
func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("completion response contained no choices")
	}

	o.logger.Debug("chat completion",
		"model", req.Model,
		"messages", len(req.Messages),
		"total_tokens", resp.Usage.TotalTokens)

	return CompletionResult{
		Text:        resp.Choices[0].Message.Content,
		TotalTokens: resp.Usage.TotalTokens,
	}, nil
}
