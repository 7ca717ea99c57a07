package certify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu          sync.RWMutex
	batches     map[string]Batch
	inspections map[string]Inspection
	creds       map[string]Credential
	byTracking  map[string]string // tracking token -> batch id
	byToken     map[string]string // qr token -> credential id
	byInspect   map[string]string // inspection id -> credential id
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		batches:     make(map[string]Batch),
		inspections: make(map[string]Inspection),
		creds:       make(map[string]Credential),
		byTracking:  make(map[string]string),
		byToken:     make(map[string]string),
		byInspect:   make(map[string]string),
	}
}

func (s *InMemory) CreateBatch(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byTracking[b.TrackingToken]; ok {
		return ErrConflict
	}
	s.batches[b.ID] = b
	s.byTracking[b.TrackingToken] = b.ID
	return nil
}

func (s *InMemory) GetBatch(ctx context.Context, id string) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (s *InMemory) GetBatchByTrackingToken(ctx context.Context, token string) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTracking[token]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return s.batches[id], nil
}

// applyTransition must be called with s.mu held.
func (s *InMemory) applyTransition(tr BatchTransition) error {
	b, ok := s.batches[tr.BatchID]
	if !ok {
		return ErrNotFound
	}
	if b.Status != tr.From {
		return ErrInvalidTransition
	}
	b.Status = tr.To
	b.UpdatedAt = tr.At
	s.batches[b.ID] = b
	return nil
}

func (s *InMemory) CreateInspection(ctx context.Context, in Inspection, tr BatchTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inspections[in.ID]; ok {
		return ErrConflict
	}
	if err := s.applyTransition(tr); err != nil {
		return err
	}
	s.inspections[in.ID] = cloneInspection(in)
	return nil
}

func (s *InMemory) GetInspection(ctx context.Context, id string) (Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.inspections[id]
	if !ok {
		return Inspection{}, ErrNotFound
	}
	return cloneInspection(in), nil
}

func (s *InMemory) ListInspections(ctx context.Context, batchID string) ([]Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Inspection
	for _, in := range s.inspections {
		if in.BatchID == batchID {
			out = append(out, cloneInspection(in))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) CompleteInspection(ctx context.Context, in Inspection, tr BatchTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inspections[in.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != InspectionPending {
		return ErrInvalidTransition
	}
	if err := s.applyTransition(tr); err != nil {
		return err
	}
	s.inspections[in.ID] = cloneInspection(in)
	return nil
}

func (s *InMemory) CreateCredential(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byInspect[c.InspectionID]; ok {
		return ErrConflict
	}
	if _, ok := s.byToken[c.QRToken]; ok {
		return ErrConflict
	}
	if _, ok := s.batches[c.BatchID]; !ok {
		return ErrReferencedEntityMissing
	}
	if _, ok := s.inspections[c.InspectionID]; !ok {
		return ErrReferencedEntityMissing
	}
	s.creds[c.ID] = cloneCredential(c)
	s.byInspect[c.InspectionID] = c.ID
	s.byToken[c.QRToken] = c.ID
	return nil
}

func (s *InMemory) GetCredential(ctx context.Context, id string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *InMemory) GetCredentialByToken(ctx context.Context, token string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cloneCredential(s.creds[id]), nil
}

func (s *InMemory) GetCredentialByInspection(ctx context.Context, inspectionID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byInspect[inspectionID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cloneCredential(s.creds[id]), nil
}

func (s *InMemory) ListCredentialsByBatch(ctx context.Context, batchID string) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Credential
	for _, c := range s.creds {
		if c.BatchID == batchID {
			out = append(out, cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) RevokeCredential(ctx context.Context, id, reason string, at time.Time) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	if c.RevocationStatus != RevocationActive {
		return Credential{}, ErrAlreadyRevoked
	}
	c.RevocationStatus = RevocationRevoked
	c.RevokedAt = &at
	c.RevocationReason = &reason
	s.creds[id] = c
	return cloneCredential(c), nil
}

func (s *InMemory) RecordAnchoring(ctx context.Context, id string, a Anchoring) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if c.AnchorState.Status == AnchorAnchored {
		return ErrAlreadyAnchored
	}
	c.AnchorState = AnchorState{
		Status:         AnchorAnchored,
		Attempts:       c.AnchorState.Attempts + 1,
		TxHash:         &a.TxHash,
		Network:        &a.Network,
		BlockNumber:    &a.BlockNumber,
		AnchoredAt:     &a.AnchoredAt,
		CredentialHash: &a.CredentialHash,
	}
	s.creds[id] = c
	return nil
}

func (s *InMemory) RecordAnchorFailure(ctx context.Context, id, message string, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if c.AnchorState.Status == AnchorAnchored {
		return ErrAlreadyAnchored
	}
	c.AnchorState.Attempts++
	c.AnchorState.LastError = message
	if final {
		c.AnchorState.Status = AnchorFailed
	}
	s.creds[id] = c
	return nil
}

func (s *InMemory) ResetAnchoring(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if c.AnchorState.Status == AnchorAnchored {
		return ErrAlreadyAnchored
	}
	c.AnchorState.Status = AnchorPending
	c.AnchorState.Attempts = 0
	c.AnchorState.LastError = ""
	s.creds[id] = c
	return nil
}

func (s *InMemory) ListPendingAnchoring(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []Credential
	for _, c := range s.creds {
		if c.AnchorState.Status == AnchorPending {
			pending = append(pending, c)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]string, len(pending))
	for i, c := range pending {
		ids[i] = c.ID
	}
	return ids, nil
}

func cloneInspection(in Inspection) Inspection {
	if in.ISOCodes != nil {
		in.ISOCodes = append([]string(nil), in.ISOCodes...)
	}
	return in
}

func cloneCredential(c Credential) Credential {
	if c.Document != nil {
		c.Document = append([]byte(nil), c.Document...)
	}
	return c
}
