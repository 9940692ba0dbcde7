package nostr

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/convoflow/types"
)

// Publisher sends a draft to the network.
type Publisher interface {
	Publish(ctx context.Context, draft *types.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, draft *types.Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, draft *types.Event) error {
	return f(ctx, draft)
}

// Signer assigns the id, pubkey and signature of a draft. Key material
// lives outside this process.
type Signer interface {
	PubKey() string
	Sign(ctx context.Context, draft *types.Event) (*types.Event, error)
}

// ErrUnsigned is returned when a signed event comes back without an id or
// signature.
var ErrUnsigned = errors.New("nostr: signer returned an unsigned event")

// SigningPublisher signs drafts before handing them to the next Publisher.
type SigningPublisher struct {
	signer Signer
	next   Publisher
}

// NewSigningPublisher wraps next with signer.
func NewSigningPublisher(signer Signer, next Publisher) *SigningPublisher {
	return &SigningPublisher{signer: signer, next: next}
}

// Publish signs draft and forwards the signed event.
func (p *SigningPublisher) Publish(ctx context.Context, draft *types.Event) error {
	signed, err := p.signer.Sign(ctx, draft)
	if err != nil {
		return fmt.Errorf("sign kind %d: %w", draft.Kind, err)
	}
	if signed == nil || signed.ID == "" || signed.Sig == "" {
		return ErrUnsigned
	}
	return p.next.Publish(ctx, signed)
}

// MultiPublisher publishes to every target and joins the errors.
type MultiPublisher []Publisher

// Publish sends draft to each publisher in order.
func (m MultiPublisher) Publish(ctx context.Context, draft *types.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, draft); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
