// Package anchor records credential hashes on an external ledger and retries failed
// attempts in the background.
package anchor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRejected marks a permanent refusal by the backend; the worker does not retry it.
	ErrRejected   = errors.New("anchor: rejected by backend")
	ErrQueueFull  = errors.New("anchor: queue full")
	ErrClosed     = errors.New("anchor: worker stopped")
	ErrBadReceipt = errors.New("anchor: malformed receipt")
)

// Request identifies what to anchor. CredentialID doubles as the idempotency key.
type Request struct {
	CredentialID   string
	CredentialHash string
}

// Receipt is the backend's proof of anchoring.
type Receipt struct {
	TxHash         string
	Network        string
	BlockNumber    int64
	AnchoredAt     time.Time
	CredentialHash string
}

// Anchorer writes a credential hash to a ledger. Implementations must be safe for
// concurrent use and should treat repeated requests for one credential id as the same.
type Anchorer interface {
	Anchor(ctx context.Context, req Request) (Receipt, error)
}

// AnchorerFunc adapts a function to Anchorer.
type AnchorerFunc func(ctx context.Context, req Request) (Receipt, error)

func (f AnchorerFunc) Anchor(ctx context.Context, req Request) (Receipt, error) { return f(ctx, req) }
