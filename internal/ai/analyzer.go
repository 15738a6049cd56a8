package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"NetAnomaly/internal/config"

	"github.com/sashabaranov/go-openai"
)

const promptTemplate = "You are a senior network security analyst. " +
	"The following flows were flagged by an autoencoder-based anomaly detector because their " +
	"reconstruction error exceeded the configured threshold. " +
	"Provide a concise assessment of what the traffic may indicate, its likely severity, " +
	"and recommended next steps for investigation.\n\n" +
	"--- Anomaly Data ---\n%s\n--- End of Anomaly Data ---"

// Analyzer asks an OpenAI-compatible chat model to interpret anomaly summaries.
type Analyzer struct {
	cfg    *config.AIConfig
	client *openai.Client
}

// NewAnalyzer creates an Analyzer for cfg.
func NewAnalyzer(cfg *config.AIConfig) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AI API key is not configured")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Analyzer{cfg: cfg, client: openai.NewClientWithConfig(clientConfig)}, nil
}

func (a *Analyzer) request(summary string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     a.cfg.Model,
		MaxTokens: 2048,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(promptTemplate, summary),
			},
		},
		Stream: stream,
	}
}

// AnalyzeAnomalies returns the model's write-up of summary.
func (a *Analyzer) AnalyzeAnomalies(ctx context.Context, summary string) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.request(summary, false))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("AI request timeout: %w", err)
		}
		if errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("AI request canceled by client: %w", err)
		}
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnalyzeStream is the streaming form of AnalyzeAnomalies; sendChunk receives
// the text as it is generated.
func (a *Analyzer) AnalyzeStream(ctx context.Context, summary string, sendChunk func(string) error) error {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.request(summary, true))
	if err != nil {
		return fmt.Errorf("failed to create chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream error: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if err := sendChunk(response.Choices[0].Delta.Content); err != nil {
			return fmt.Errorf("failed to send chunk to client: %w", err)
		}
	}
}
