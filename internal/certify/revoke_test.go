package certify

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"agritrace.org/internal/stream"
)

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	_, _, c := f.issued(t)
	ctx := context.Background()

	if _, err := f.svc.Revoke(ctx, agency, c.ID, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank reason, got %v", err)
	}
	if _, err := f.svc.Revoke(ctx, agency, c.ID, strings.Repeat("r", maxReasonLen+1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for long reason, got %v", err)
	}
	if _, err := f.svc.Revoke(ctx, agency2, c.ID, "nope"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign agency revoked: %v", err)
	}
	if _, err := f.svc.Revoke(ctx, exporter, c.ID, "nope"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("holder revoked: %v", err)
	}
	if _, err := f.svc.Revoke(ctx, agency, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := f.svc.Revoke(ctx, agency, c.ID, "contamination found")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got.RevocationStatus != RevocationRevoked || got.RevokedAt == nil || *got.RevocationReason != "contamination found" {
		t.Fatalf("unexpected revoked credential: %+v", got)
	}
	if _, err := f.svc.Revoke(ctx, admin, c.ID, "again"); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	stored, _ := f.store.GetCredential(ctx, c.ID)
	if *stored.RevocationReason != "contamination found" {
		t.Fatalf("second revoke overwrote reason: %s", *stored.RevocationReason)
	}
	if !slices.Contains(f.events.kinds(), stream.KindCredentialRevoked) {
		t.Fatalf("revoked event missing: %v", f.events.kinds())
	}
}

func TestRetryAnchoring(t *testing.T) {
	f := newFixture(t)
	_, _, c := f.issued(t)
	ctx := context.Background()

	if err := f.store.RecordAnchorFailure(ctx, c.ID, "timeout", true); err != nil {
		t.Fatalf("RecordAnchorFailure: %v", err)
	}
	got, err := f.svc.RetryAnchoring(ctx, agency, c.ID)
	if err != nil {
		t.Fatalf("RetryAnchoring: %v", err)
	}
	if got.AnchorState.Status != AnchorPending || got.AnchorState.Attempts != 0 {
		t.Fatalf("anchoring not reset: %+v", got.AnchorState)
	}
	if q := f.queue.queued(); len(q) != 2 || q[1] != c.ID {
		t.Fatalf("retry not enqueued: %v", q)
	}

	if err := f.store.RecordAnchoring(ctx, c.ID, Anchoring{TxHash: "0x1", CredentialHash: "h"}); err != nil {
		t.Fatalf("RecordAnchoring: %v", err)
	}
	if _, err := f.svc.RetryAnchoring(ctx, admin, c.ID); !errors.Is(err, ErrAlreadyAnchored) {
		t.Fatalf("expected ErrAlreadyAnchored, got %v", err)
	}
	if _, err := f.svc.RetryAnchoring(ctx, agency2, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	noQueue := NewService(f.store)
	_, _, c2 := f.issued(t)
	if _, err := noQueue.RetryAnchoring(ctx, admin, c2.ID); !errors.Is(err, ErrAnchoringFailure) {
		t.Fatalf("expected ErrAnchoringFailure without queue, got %v", err)
	}
}

func TestGetCredentialAccess(t *testing.T) {
	f := newFixture(t)
	_, _, c := f.issued(t)
	ctx := context.Background()
	if _, err := f.svc.GetCredential(ctx, exporter, c.ID); err != nil {
		t.Fatalf("holder: %v", err)
	}
	if _, err := f.svc.GetCredential(ctx, agency, c.ID); err != nil {
		t.Fatalf("issuer: %v", err)
	}
	if _, err := f.svc.GetCredential(ctx, importer, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("importer read credential: %v", err)
	}
	creds, err := f.svc.ListCredentialsForBatch(ctx, exporter, c.BatchID)
	if err != nil || len(creds) != 1 {
		t.Fatalf("ListCredentialsForBatch: %v %d", err, len(creds))
	}
}
