package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/scanvault/internal/domain/privacy"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
)

const (
	maxTokens       = 512
	maxContentBytes = 64 * 1024
	defaultModel    = "gpt-4o-mini"
)

type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Gate asks a chat model whether an artifact carries personal data.
type Gate struct {
	client completer
	Model  string
	Policy retry.Policy
}

func NewGate(apiKey, baseURL, model string, policy retry.Policy) *Gate {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Gate{client: openai.NewClientWithConfig(cfg), Model: model, Policy: policy}
}

func (g *Gate) request(a privacy.Artifact) openai.ChatCompletionRequest {
	model := g.Model
	if model == "" {
		model = defaultModel
	}
	content := a.Content
	truncated := len(content) > maxContentBytes
	if truncated {
		content = content[:maxContentBytes]
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(a.Name, a.MediaType, string(content), truncated)},
		},
	}
	// reasoning models (o1/o3/o4/gpt-5*) take MaxCompletionTokens
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
		req.Temperature = 0
	}
	return req
}

func (g *Gate) Screen(ctx context.Context, a privacy.Artifact) (privacy.Result, error) {
	req := g.request(a)
	var out privacy.Result
	err := g.Policy.Do(ctx, "privacy.openai", func(ctx context.Context) error {
		resp, err := g.client.CreateChatCompletion(ctx, req)
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
				return retry.Permanent(fmt.Errorf("failed to create chat completion: %w", err))
			}
			return fmt.Errorf("%w: failed to create chat completion: %v", privacy.ErrUnavailable, err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%w: empty completion", privacy.ErrUnavailable)
		}
		var v verdict
		if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &v); err != nil {
			return retry.Permanent(fmt.Errorf("decode classifier verdict: %w", err))
		}
		out = toResult(v)
		return nil
	})
	return out, err
}

func toResult(v verdict) privacy.Result {
	if !v.ContainsPII {
		return privacy.Result{Verdict: privacy.VerdictPass, Reason: v.Reason}
	}
	reason := v.Reason
	if reason == "" {
		reason = "classifier reported personal data"
	}
	return privacy.Result{Verdict: privacy.VerdictFail, Reason: reason, Findings: v.Categories}
}

var _ privacy.Gate = (*Gate)(nil)
