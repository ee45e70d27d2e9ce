package rekor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
)

// Signer produces the outer signature and exposes the matching public key.
type Signer interface {
	Sign(ctx context.Context, data []byte, identity string) ([]byte, error)
	PublicKeyPEM(identity string) ([]byte, error)
}

// Client appends scan records to a Rekor instance as hashedrekord entries.
type Client struct {
	baseURL  string
	identity string
	signer   Signer
	policy   retry.Policy
	httpDo   func(*http.Request) (*http.Response, error)
}

const maxEntryBytes = 256 * 1024

func NewClient(baseURL, identity string, signer Signer, httpClient *http.Client, policy retry.Policy) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("rekor base url is required")
	}
	if signer == nil {
		return nil, errors.New("rekor signer is required")
	}
	if identity == "" {
		return nil, errors.New("rekor signing identity is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		signer:   signer,
		policy:   policy,
		httpDo:   doer,
	}, nil
}

func (c *Client) Append(ctx context.Context, r tlog.Record) (tlog.Entry, error) {
	signature, err := c.signer.Sign(ctx, r.Canonical(), c.identity)
	if err != nil {
		return tlog.Entry{}, fmt.Errorf("sign log record: %w", err)
	}
	pub, err := c.signer.PublicKeyPEM(c.identity)
	if err != nil {
		return tlog.Entry{}, err
	}

	entry := hashedRekord{
		APIVersion: "0.0.1",
		Kind:       "hashedrekord",
		Spec: hashedRekordSpec{
			Data: hashedRekordData{
				Hash: hashedRekordHash{Algorithm: "sha256", Value: r.Digest()},
			},
			Signature: hashedRekordSignature{
				Content:   base64.StdEncoding.EncodeToString(signature),
				PublicKey: hashedRekordPublicKey{Content: base64.StdEncoding.EncodeToString(pub)},
			},
		},
	}
	postBody, err := json.Marshal(entry)
	if err != nil {
		return tlog.Entry{}, err
	}

	var uuid string
	err = c.policy.Do(ctx, "rekor.append", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/log/entries", bytes.NewReader(postBody))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpDo(req)
		if err != nil {
			return fmt.Errorf("%w: %v", tlog.ErrUnavailable, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxEntryBytes))
		if err != nil {
			return fmt.Errorf("%w: %v", tlog.ErrUnavailable, err)
		}
		switch {
		case resp.StatusCode == http.StatusConflict:
			// already logged; Rekor points at the existing entry
			uuid = path.Base(resp.Header.Get("Location"))
			if uuid == "" || uuid == "." || uuid == "/" {
				uuid = firstMapKey(body)
			}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			uuid = firstMapKey(body)
		default:
			return statusError(resp.StatusCode, body)
		}
		if uuid == "" {
			return retry.Permanent(fmt.Errorf("rekor response carries no entry uuid"))
		}
		return nil
	})
	if err != nil {
		return tlog.Entry{}, err
	}
	return c.Query(ctx, uuid)
}

func (c *Client) Query(ctx context.Context, reference string) (tlog.Entry, error) {
	var out tlog.Entry
	err := c.policy.Do(ctx, "rekor.query", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/log/entries/"+reference, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.httpDo(req)
		if err != nil {
			return fmt.Errorf("%w: %v", tlog.ErrUnavailable, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxEntryBytes))
		if err != nil {
			return fmt.Errorf("%w: %v", tlog.ErrUnavailable, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("%w: %s", tlog.ErrNotFound, reference))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, body)
		}
		e, err := parseEntry(reference, body)
		if err != nil {
			return retry.Permanent(err)
		}
		e.Signer = c.identity
		out = e
		return nil
	})
	return out, err
}

func statusError(code int, body []byte) error {
	err := fmt.Errorf("rekor status %d: %s", code, strings.TrimSpace(string(body)))
	if code == http.StatusTooManyRequests || code >= 500 {
		return fmt.Errorf("%w: %v", tlog.ErrUnavailable, err)
	}
	return retry.Permanent(err)
}

func firstMapKey(payload []byte) string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ""
	}
	for key := range raw {
		return key
	}
	return ""
}

func parseEntry(reference string, payload []byte) (tlog.Entry, error) {
	var raw map[string]rekorEntry
	if err := json.Unmarshal(payload, &raw); err != nil {
		return tlog.Entry{}, fmt.Errorf("decode rekor entry: %w", err)
	}
	entry, ok := raw[reference]
	if !ok {
		for _, v := range raw {
			entry = v
			break
		}
	}
	out := tlog.Entry{
		Reference: reference,
		LogIndex:  entry.LogIndex,
		Timestamp: time.Unix(entry.IntegratedTime, 0).UTC(),
	}
	if entry.Body == "" {
		return out, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(entry.Body)
	if err != nil {
		return tlog.Entry{}, fmt.Errorf("decode rekor body: %w", err)
	}
	var rec hashedRekord
	if err := json.Unmarshal(decoded, &rec); err != nil {
		return tlog.Entry{}, fmt.Errorf("decode hashedrekord: %w", err)
	}
	out.RecordDigest = rec.Spec.Data.Hash.Value
	sig, err := base64.StdEncoding.DecodeString(rec.Spec.Signature.Content)
	if err != nil {
		return tlog.Entry{}, fmt.Errorf("decode rekor signature: %w", err)
	}
	out.OuterSignature = sig
	return out, nil
}

type hashedRekord struct {
	APIVersion string           `json:"apiVersion"`
	Kind       string           `json:"kind"`
	Spec       hashedRekordSpec `json:"spec"`
}

type hashedRekordSpec struct {
	Data      hashedRekordData      `json:"data"`
	Signature hashedRekordSignature `json:"signature"`
}

type hashedRekordData struct {
	Hash hashedRekordHash `json:"hash"`
}

type hashedRekordHash struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type hashedRekordSignature struct {
	Content   string                `json:"content"`
	PublicKey hashedRekordPublicKey `json:"publicKey"`
}

type hashedRekordPublicKey struct {
	Content string `json:"content"`
}

type rekorEntry struct {
	Body           string `json:"body"`
	LogIndex       int64  `json:"logIndex"`
	IntegratedTime int64  `json:"integratedTime"`
}

var _ tlog.Client = (*Client)(nil)
