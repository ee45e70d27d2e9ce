package signing

import (
	"context"
	"errors"
)

var (
	// ErrUnknownIdentity means no key is configured for the requested identity.
	ErrUnknownIdentity = errors.New("unknown signing identity")
	// ErrUnavailable marks a transient signer backend failure.
	ErrUnavailable = errors.New("signer unavailable")
)

// Client signs and verifies opaque byte strings on behalf of an identity.
// Verify returns (false, nil) for a signature that does not check out and an
// error only when the verification itself could not be performed.
type Client interface {
	Sign(ctx context.Context, data []byte, identity string) ([]byte, error)
	Verify(ctx context.Context, data, signature []byte, identity string) (bool, error)
}

// PolicyInput is what the signer policy decides on.
type PolicyInput struct {
	WorkspaceID string `json:"workspace_id"`
	ComponentID string `json:"component_id"`
	Signer      string `json:"signer"`
	Tier        string `json:"tier"`
}

// Decision is the signer policy outcome.
type Decision struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons"`
}

// Policy decides whether an inner signer is trusted for a workspace.
type Policy interface {
	Evaluate(ctx context.Context, in PolicyInput) (Decision, error)
}
