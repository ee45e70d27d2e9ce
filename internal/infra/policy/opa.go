package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
)

const defaultQuery = "data.scanvault.signer.result"

//go:embed signer.rego
var signerModule string

// Engine evaluates the signer trust policy with OPA. trusted maps a workspace
// id (or "*") to signer identities; "*@domain" entries trust a whole domain.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the embedded policy, or the rego files under
// bundlePath when it is set.
func NewEngine(ctx context.Context, trusted map[string][]string, bundlePath string) (*Engine, error) {
	data := make(map[string]any, len(trusted))
	for ws, signers := range trusted {
		list := make([]any, 0, len(signers))
		for _, s := range signers {
			list = append(list, s)
		}
		data[ws] = list
	}
	store := inmem.NewFromObject(map[string]any{"trusted_signers": data})

	opts := []func(*rego.Rego){
		rego.Query(defaultQuery),
		rego.Store(store),
		rego.StrictBuiltinErrors(true),
	}
	if bundlePath != "" {
		opts = append(opts, rego.Load([]string{bundlePath}, nil))
	} else {
		opts = append(opts, rego.Module("signer.rego", signerModule))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare signer policy: %w", err)
	}
	return &Engine{query: prepared}, nil
}

func (e *Engine) Evaluate(ctx context.Context, in signing.PolicyInput) (signing.Decision, error) {
	if e == nil {
		return signing.Decision{}, errors.New("policy engine is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return signing.Decision{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return signing.Decision{}, errors.New("empty policy result")
	}
	payload, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return signing.Decision{}, err
	}
	var d signing.Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return signing.Decision{}, fmt.Errorf("decode policy result: %w", err)
	}
	return d, nil
}

// AllowAll trusts every signer whose signature verifies.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, signing.PolicyInput) (signing.Decision, error) {
	return signing.Decision{Allow: true}, nil
}

var (
	_ signing.Policy = (*Engine)(nil)
	_ signing.Policy = AllowAll{}
)
