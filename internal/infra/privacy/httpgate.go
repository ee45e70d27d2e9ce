package privacy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/privacy"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
)

// HTTPGate calls an external PII engine:
//
//	POST {endpoint} {"scan_id","name","media_type","content"} -> {"verdict","reason","findings"}
//
// Anything other than a well formed pass/fail answer is an error.
type HTTPGate struct {
	endpoint string
	token    string
	policy   retry.Policy
	httpDo   func(*http.Request) (*http.Response, error)
}

func NewHTTPGate(endpoint, token string, httpClient *http.Client, policy retry.Policy) (*HTTPGate, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("privacy endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGate{endpoint: endpoint, token: token, policy: policy, httpDo: httpClient.Do}, nil
}

type screenRequest struct {
	ScanID    string `json:"scan_id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Content   string `json:"content"`
}

func (g *HTTPGate) Screen(ctx context.Context, a privacy.Artifact) (privacy.Result, error) {
	body, err := json.Marshal(screenRequest{
		ScanID:    a.ScanID,
		Name:      a.Name,
		MediaType: a.MediaType,
		Content:   base64.StdEncoding.EncodeToString(a.Content),
	})
	if err != nil {
		return privacy.Result{}, err
	}

	var out privacy.Result
	err = g.policy.Do(ctx, "privacy.screen", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
		resp, err := g.httpDo(req)
		if err != nil {
			return fmt.Errorf("%w: %v", privacy.ErrUnavailable, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: %v", privacy.ErrUnavailable, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", privacy.ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.Permanent(fmt.Errorf("privacy engine status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}
		var res privacy.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return retry.Permanent(fmt.Errorf("decode privacy verdict: %w", err))
		}
		switch res.Verdict {
		case privacy.VerdictPass, privacy.VerdictFail:
		default:
			return retry.Permanent(fmt.Errorf("unknown privacy verdict %q", res.Verdict))
		}
		out = res
		return nil
	})
	return out, err
}

// Chain runs gates in order and stops at the first failing verdict or error.
type Chain []privacy.Gate

func (c Chain) Screen(ctx context.Context, a privacy.Artifact) (privacy.Result, error) {
	res := privacy.Result{Verdict: privacy.VerdictPass}
	for _, g := range c {
		r, err := g.Screen(ctx, a)
		if err != nil {
			return privacy.Result{}, err
		}
		if r.Verdict != privacy.VerdictPass {
			return r, nil
		}
	}
	return res, nil
}

var (
	_ privacy.Gate = (*HTTPGate)(nil)
	_ privacy.Gate = Chain(nil)
)
