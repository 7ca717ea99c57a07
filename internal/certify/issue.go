package certify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agritrace.org/internal/auth"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/ids"
	"agritrace.org/internal/obs"
	"agritrace.org/internal/stream"
)

// Issue builds, signs and persists a credential for a completed inspection, then hands
// it to the anchoring queue without waiting for the result.
func (s *Service) Issue(ctx context.Context, id auth.Identity, inspectionID, batchID string) (Credential, error) {
	if !id.HasRole(auth.RoleQAAgency) {
		return Credential{}, fmt.Errorf("issue: %w", ErrForbidden)
	}
	if s.signer == nil {
		return Credential{}, errors.New("issue: no signing key configured")
	}
	inspectionID = strings.TrimSpace(inspectionID)
	batchID = strings.TrimSpace(batchID)
	if inspectionID == "" || batchID == "" {
		return Credential{}, fmt.Errorf("%w: inspection_id and batch_id are required", ErrInvalidInput)
	}

	insp, err := s.store.GetInspection(ctx, inspectionID)
	if err != nil {
		return Credential{}, storeErr("get inspection", err)
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Credential{}, storeErr("get batch", err)
	}
	if insp.BatchID != b.ID {
		return Credential{}, fmt.Errorf("%w: inspection %s does not belong to batch %s", ErrInvalidInput, insp.ID, b.ID)
	}
	if insp.AgencyID != id.UserID {
		return Credential{}, fmt.Errorf("issue: inspection owned by another agency: %w", ErrForbidden)
	}
	if !insp.Eligible() {
		return Credential{}, fmt.Errorf("issue: %w", ErrNotEligible)
	}
	if _, err := s.store.GetCredentialByInspection(ctx, insp.ID); err == nil {
		return Credential{}, fmt.Errorf("issue: credential exists for inspection %s: %w", insp.ID, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return Credential{}, storeErr("get credential", err)
	}

	now := s.now()
	doc, err := credential.Build(buildInput(id, b, insp, now))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	raw, err := s.signer.Sign(doc)
	if err != nil {
		return Credential{}, fmt.Errorf("issue: %w", err)
	}
	token, err := s.newQRToken()
	if err != nil {
		return Credential{}, fmt.Errorf("qr token: %w", err)
	}

	c := Credential{
		ID:               ids.New(),
		BatchID:          b.ID,
		InspectionID:     insp.ID,
		HolderID:         b.ExporterID,
		IssuerDID:        credential.IssuerDID(id.UserID),
		Document:         raw,
		QRToken:          token,
		RevocationStatus: RevocationActive,
		AnchorState:      AnchorState{Status: AnchorPending},
		CreatedAt:        now,
	}
	if err := s.store.CreateCredential(ctx, c); err != nil {
		return Credential{}, storeErr("create credential", err)
	}
	obs.IncCredentialsIssued()
	s.publish(stream.KindCredentialIssued, c, "")
	s.enqueueAnchoring(c)
	return c, nil
}

// enqueueAnchoring never fails issuance; a credential left pending is picked up again by
// the worker's periodic sweep.
func (s *Service) enqueueAnchoring(c Credential) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(c.ID); err != nil {
		obs.Warn("anchoring enqueue failed", map[string]any{
			"credential_id": c.ID,
			"error":         fmt.Errorf("%w: %w", ErrAnchoringFailure, err),
		})
		s.publish(stream.KindAnchorFailed, c, "anchoring queue unavailable")
	}
}

func buildInput(id auth.Identity, b Batch, insp Inspection, now time.Time) credential.Input {
	name := strings.TrimSpace(id.Name)
	if name == "" {
		name = id.UserID
	}
	return credential.Input{
		AgencyID:   id.UserID,
		AgencyName: name,
		ExporterID: b.ExporterID,
		BatchID:    b.ID,
		Product: credential.Product{
			Type:        b.ProductType,
			Variety:     b.Variety,
			Quantity:    b.Quantity,
			Unit:        b.Unit,
			HarvestDate: b.HarvestDate,
		},
		Origin: credential.Origin{
			Country:   b.Origin.Country,
			State:     b.Origin.State,
			Address:   b.Origin.Address,
			Latitude:  b.Origin.Latitude,
			Longitude: b.Origin.Longitude,
		},
		DestinationCountry: b.DestinationCountry,
		Assessment: credential.QualityAssessment{
			InspectionID:       insp.ID,
			Conclusion:         string(insp.Conclusion),
			OrganicStatus:      insp.OrganicStatus,
			MoisturePercentage: insp.MoisturePercentage,
			ISOCodes:           insp.ISOCodes,
			Comments:           insp.Comments,
			CompletedDate:      insp.CompletedDate,
		},
		IssuedAt: now,
	}
}
