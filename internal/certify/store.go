package certify

import (
	"context"
	"time"
)

// Store is the persistence boundary. Implementations return ErrNotFound for missing rows,
// ErrConflict for unique violations and ErrInvalidTransition when a conditional status
// update matches no row.
type Store interface {
	CreateBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id string) (Batch, error)
	GetBatchByTrackingToken(ctx context.Context, token string) (Batch, error)

	// CreateInspection inserts a pending inspection and applies tr atomically.
	CreateInspection(ctx context.Context, in Inspection, tr BatchTransition) error
	GetInspection(ctx context.Context, id string) (Inspection, error)
	ListInspections(ctx context.Context, batchID string) ([]Inspection, error)
	// CompleteInspection stores the outcome of a pending inspection and applies tr atomically.
	CompleteInspection(ctx context.Context, in Inspection, tr BatchTransition) error

	CreateCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, id string) (Credential, error)
	GetCredentialByToken(ctx context.Context, token string) (Credential, error)
	GetCredentialByInspection(ctx context.Context, inspectionID string) (Credential, error)
	ListCredentialsByBatch(ctx context.Context, batchID string) ([]Credential, error)

	// RevokeCredential moves an active credential to revoked. Returns ErrAlreadyRevoked
	// when the credential exists but is not active.
	RevokeCredential(ctx context.Context, id, reason string, at time.Time) (Credential, error)

	// RecordAnchoring stores a receipt. Returns ErrAlreadyAnchored if one is already stored.
	RecordAnchoring(ctx context.Context, id string, a Anchoring) error
	// RecordAnchorFailure counts a failed attempt; final marks the credential failed.
	RecordAnchorFailure(ctx context.Context, id, message string, final bool) error
	// ResetAnchoring puts a failed or pending credential back to pending with zero attempts.
	ResetAnchoring(ctx context.Context, id string) error
	// ListPendingAnchoring returns ids of credentials still awaiting anchoring, oldest first.
	ListPendingAnchoring(ctx context.Context, limit int) ([]string, error)
}
