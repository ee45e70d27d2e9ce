package signing

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

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
)

// Remote talks to an external signing service:
//
//	POST {base}/v1/sign   {"identity","data"} -> {"signature"}
//	POST {base}/v1/verify {"identity","data","signature"} -> {"valid"}
//
// Payloads are base64. 404 means unknown identity, 5xx and transport errors
// are reported as signing.ErrUnavailable.
type Remote struct {
	baseURL string
	token   string
	httpDo  func(*http.Request) (*http.Response, error)
}

func NewRemote(baseURL, token string, httpClient *http.Client) (*Remote, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("signer base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{baseURL: strings.TrimRight(baseURL, "/"), token: token, httpDo: httpClient.Do}, nil
}

type remoteRequest struct {
	Identity  string `json:"identity"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
}

type remoteResponse struct {
	Signature string `json:"signature"`
	Valid     bool   `json:"valid"`
}

func (r *Remote) call(ctx context.Context, path string, in remoteRequest) (remoteResponse, error) {
	var out remoteResponse
	body, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.httpDo(req)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%w: %v", signing.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return out, fmt.Errorf("%w: %v", signing.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out, fmt.Errorf("%w: %s", signing.ErrUnknownIdentity, in.Identity)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return out, fmt.Errorf("%w: status %d", signing.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return out, fmt.Errorf("signer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode signer response: %w", err)
	}
	return out, nil
}

func (r *Remote) Sign(ctx context.Context, data []byte, identity string) ([]byte, error) {
	out, err := r.call(ctx, "/v1/sign", remoteRequest{Identity: identity, Data: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return sig, nil
}

func (r *Remote) Verify(ctx context.Context, data, signature []byte, identity string) (bool, error) {
	out, err := r.call(ctx, "/v1/verify", remoteRequest{
		Identity:  identity,
		Data:      base64.StdEncoding.EncodeToString(data),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

var _ signing.Client = (*Remote)(nil)
