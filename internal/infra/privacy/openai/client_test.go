package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/privacy"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
)

type fakeCompleter struct {
	replies []string
	errs    []error
	calls   int
	last    openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	f.last = req
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	content := f.replies[len(f.replies)-1]
	if i < len(f.replies) {
		content = f.replies[i]
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}}}, nil
}

func newGate(f *fakeCompleter) *Gate {
	return &Gate{client: f, Policy: retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}}
}

func TestScreen_PII(t *testing.T) {
	f := &fakeCompleter{replies: []string{`{"contains_pii":true,"categories":["email"],"reason":"reporter email in finding"}`}}
	res, err := newGate(f).Screen(context.Background(), privacy.Artifact{Name: "dast.json", Content: []byte("x")})

	require.NoError(t, err)
	assert.Equal(t, privacy.VerdictFail, res.Verdict)
	assert.Equal(t, []string{"email"}, res.Findings)
	assert.Equal(t, defaultModel, f.last.Model)
	assert.Equal(t, maxTokens, f.last.MaxTokens)
}

func TestScreen_Clean(t *testing.T) {
	f := &fakeCompleter{replies: []string{`{"contains_pii":false,"categories":[],"reason":"tool output only"}`}}
	res, err := newGate(f).Screen(context.Background(), privacy.Artifact{Name: "sbom.json"})

	require.NoError(t, err)
	assert.Equal(t, privacy.VerdictPass, res.Verdict)
}

func TestScreen_RetriesTransientThenFailsClosed(t *testing.T) {
	boom := errors.New("connection reset")
	f := &fakeCompleter{errs: []error{boom, boom, boom}, replies: []string{`{}`}}
	_, err := newGate(f).Screen(context.Background(), privacy.Artifact{Name: "a"})

	require.Error(t, err)
	assert.ErrorIs(t, err, privacy.ErrUnavailable)
	assert.Equal(t, 3, f.calls)
}

func TestScreen_GarbageIsAnError(t *testing.T) {
	f := &fakeCompleter{replies: []string{"not json"}}
	_, err := newGate(f).Screen(context.Background(), privacy.Artifact{Name: "a"})

	require.Error(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestRequest_ReasoningModelsUseCompletionTokens(t *testing.T) {
	g := &Gate{Model: "o3-mini"}
	req := g.request(privacy.Artifact{Name: "a", Content: make([]byte, maxContentBytes+10)})

	assert.Equal(t, maxTokens, req.MaxCompletionTokens)
	assert.Zero(t, req.MaxTokens)
	assert.Contains(t, req.Messages[1].Content, "(truncated)")
}
