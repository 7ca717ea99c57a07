package certify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agritrace.org/internal/credential"
	"agritrace.org/internal/obs"
)

// VerificationResult is the display-oriented outcome of verifying one QR token.
type VerificationResult struct {
	Token            string           `json:"token"`
	Valid            bool             `json:"valid"`
	CredentialID     string           `json:"credential_id"`
	IssuerDID        string           `json:"issuer_did"`
	RevocationStatus RevocationStatus `json:"revocation_status"`
	RevokedAt        *time.Time       `json:"revoked_at,omitempty"`
	RevocationReason *string          `json:"revocation_reason,omitempty"`
	Credential       json.RawMessage  `json:"credential_json"`
	Batch            Batch            `json:"batch"`
	Inspection       Inspection       `json:"inspection"`
	Anchored         bool             `json:"anchored"`
	Anchoring        AnchorState      `json:"anchoring"`
	// HashMatches is set when a credential hash was recorded at anchoring time.
	HashMatches *bool `json:"hash_matches,omitempty"`
	// SignatureValid is set when a verification key is configured.
	SignatureValid *bool `json:"signature_valid,omitempty"`
}

// Verify resolves a QR token to its credential, batch and inspection. Unknown and
// malformed tokens both yield ErrNotFound.
func (s *Service) Verify(ctx context.Context, token string) (VerificationResult, error) {
	res, err := s.verify(ctx, token)
	obs.ObserveVerification(verificationOutcome(res, err))
	return res, err
}

func (s *Service) verify(ctx context.Context, token string) (VerificationResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return VerificationResult{}, fmt.Errorf("verify: %w", ErrNotFound)
	}
	c, err := s.store.GetCredentialByToken(ctx, token)
	if err != nil {
		return VerificationResult{}, storeErr("verify", err)
	}
	b, err := s.store.GetBatch(ctx, c.BatchID)
	if err != nil {
		return VerificationResult{}, s.missingRef("batch", c, err)
	}
	insp, err := s.store.GetInspection(ctx, c.InspectionID)
	if err != nil {
		return VerificationResult{}, s.missingRef("inspection", c, err)
	}

	res := VerificationResult{
		Token:            token,
		Valid:            c.RevocationStatus == RevocationActive,
		CredentialID:     c.ID,
		IssuerDID:        c.IssuerDID,
		RevocationStatus: c.RevocationStatus,
		Credential:       c.Document,
		Batch:            b,
		Inspection:       insp,
		Anchored:         c.AnchorState.Anchored(),
		Anchoring:        c.AnchorState,
	}
	if c.RevocationStatus == RevocationRevoked {
		res.RevokedAt = c.RevokedAt
		res.RevocationReason = c.RevocationReason
	}
	if h := c.AnchorState.CredentialHash; h != nil && *h != "" {
		ok := credential.Hash(c.Document) == *h
		res.HashMatches = &ok
	}
	if s.verifyKey != nil {
		ok := credential.VerifyProof(c.Document, s.verifyKey) == nil
		res.SignatureValid = &ok
	}
	return res, nil
}

func (s *Service) missingRef(kind string, c Credential, err error) error {
	if errors.Is(err, ErrNotFound) {
		wrapped := fmt.Errorf("credential %s %s: %w", c.ID, kind, ErrReferencedEntityMissing)
		logMissingReference("verify", c, wrapped)
		return wrapped
	}
	return storeErr("verify "+kind, err)
}

func verificationOutcome(res VerificationResult, err error) string {
	switch {
	case err == nil && res.Valid:
		return "valid"
	case err == nil:
		return "revoked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrReferencedEntityMissing):
		return "integrity_error"
	default:
		return "error"
	}
}

// Document returns the stored credential bytes for a QR token.
func (s *Service) Document(ctx context.Context, token string) (json.RawMessage, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("document: %w", ErrNotFound)
	}
	c, err := s.store.GetCredentialByToken(ctx, token)
	if err != nil {
		return nil, storeErr("document", err)
	}
	return c.Document, nil
}

// OCADocument returns the OCA export of a credential with its public verification URL.
func (s *Service) OCADocument(ctx context.Context, token, verificationURL string) ([]byte, error) {
	raw, err := s.Document(ctx, token)
	if err != nil {
		return nil, err
	}
	out, err := credential.OCA(raw, verificationURL)
	if err != nil {
		return nil, fmt.Errorf("oca export: %w", err)
	}
	return out, nil
}
