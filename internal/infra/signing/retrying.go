package signing

import (
	"context"
	"errors"

	"github.com/bryanwahyu/scanvault/internal/domain/signing"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
)

// Retrying applies the retry policy to transient failures of a signing
// client. An invalid signature is a result, not an error, and is never retried.
type Retrying struct {
	Client signing.Client
	Policy retry.Policy
}

func classify(err error) error {
	if errors.Is(err, signing.ErrUnknownIdentity) || errors.Is(err, context.Canceled) {
		return retry.Permanent(err)
	}
	return err
}

func (r Retrying) Sign(ctx context.Context, data []byte, identity string) ([]byte, error) {
	var sig []byte
	err := r.Policy.Do(ctx, "signer.sign", func(ctx context.Context) error {
		var err error
		sig, err = r.Client.Sign(ctx, data, identity)
		return classify(err)
	})
	return sig, err
}

func (r Retrying) Verify(ctx context.Context, data, signature []byte, identity string) (bool, error) {
	var ok bool
	err := r.Policy.Do(ctx, "signer.verify", func(ctx context.Context) error {
		var err error
		ok, err = r.Client.Verify(ctx, data, signature, identity)
		return classify(err)
	})
	return ok, err
}

var _ signing.Client = Retrying{}
