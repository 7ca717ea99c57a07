package certify

import (
	"context"
	"fmt"
	"strings"

	"agritrace.org/internal/auth"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/obs"
	"agritrace.org/internal/stream"
)

const maxReasonLen = 500

// canManage allows admins and the agency that issued the credential.
func canManage(id auth.Identity, c Credential) bool {
	if id.HasRole(auth.RoleAdmin) {
		return true
	}
	return id.HasRole(auth.RoleQAAgency) && c.IssuerDID == credential.IssuerDID(id.UserID)
}

// GetCredential returns a credential to its issuer, its holder or an admin.
func (s *Service) GetCredential(ctx context.Context, id auth.Identity, credentialID string) (Credential, error) {
	c, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return Credential{}, storeErr("get credential", err)
	}
	if !canManage(id, c) && !(id.HasRole(auth.RoleExporter) && c.HolderID == id.UserID) {
		return Credential{}, fmt.Errorf("get credential: %w", ErrForbidden)
	}
	return c, nil
}

// Revoke moves an active credential to revoked. Revocation is terminal.
func (s *Service) Revoke(ctx context.Context, id auth.Identity, credentialID, reason string) (Credential, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Credential{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if len(reason) > maxReasonLen {
		return Credential{}, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, maxReasonLen)
	}
	c, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return Credential{}, storeErr("get credential", err)
	}
	if !canManage(id, c) {
		return Credential{}, fmt.Errorf("revoke: %w", ErrForbidden)
	}
	if c.RevocationStatus != RevocationActive {
		return Credential{}, fmt.Errorf("revoke %s: %w", c.ID, ErrAlreadyRevoked)
	}
	revoked, err := s.store.RevokeCredential(ctx, c.ID, reason, s.now())
	if err != nil {
		return Credential{}, storeErr("revoke", err)
	}
	obs.IncCredentialsRevoked()
	s.publish(stream.KindCredentialRevoked, revoked, reason)
	return revoked, nil
}

// RetryAnchoring puts a credential that is not yet anchored back on the anchoring queue.
func (s *Service) RetryAnchoring(ctx context.Context, id auth.Identity, credentialID string) (Credential, error) {
	c, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return Credential{}, storeErr("get credential", err)
	}
	if !canManage(id, c) {
		return Credential{}, fmt.Errorf("retry anchoring: %w", ErrForbidden)
	}
	if c.AnchorState.Status == AnchorAnchored {
		return Credential{}, fmt.Errorf("retry anchoring %s: %w", c.ID, ErrAlreadyAnchored)
	}
	if s.queue == nil {
		return Credential{}, fmt.Errorf("retry anchoring: no anchoring backend configured: %w", ErrAnchoringFailure)
	}
	if err := s.store.ResetAnchoring(ctx, c.ID); err != nil {
		return Credential{}, storeErr("reset anchoring", err)
	}
	if err := s.queue.Enqueue(c.ID); err != nil {
		return Credential{}, fmt.Errorf("retry anchoring: %w: %w", ErrAnchoringFailure, err)
	}
	c.AnchorState.Status = AnchorPending
	c.AnchorState.Attempts = 0
	c.AnchorState.LastError = ""
	s.publish(stream.KindAnchorRetry, c, "")
	return c, nil
}
