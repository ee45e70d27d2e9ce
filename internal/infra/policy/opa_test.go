package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), map[string][]string{
		"ws-1": {"ci@example.com"},
		"*":    {"*@trusted.dev"},
	}, "")
	require.NoError(t, err)
	return e
}

func TestEngine_Decisions(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		name  string
		in    signing.PolicyInput
		allow bool
	}{
		{"workspace signer", signing.PolicyInput{WorkspaceID: "ws-1", Signer: "CI@example.com"}, true},
		{"domain wildcard", signing.PolicyInput{WorkspaceID: "ws-2", Signer: "bot@trusted.dev"}, true},
		{"other workspace", signing.PolicyInput{WorkspaceID: "ws-2", Signer: "ci@example.com"}, false},
		{"empty signer", signing.PolicyInput{WorkspaceID: "ws-1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			if !tc.allow {
				assert.NotEmpty(t, d.Reasons)
			}
		})
	}
}
