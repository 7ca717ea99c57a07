package certify

import "fmt"

type BatchStatus string

const (
	BatchSubmitted       BatchStatus = "Submitted"
	BatchUnderInspection BatchStatus = "Under Inspection"
	BatchCertified       BatchStatus = "Certified"
	BatchRejected        BatchStatus = "Rejected"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchSubmitted:       {BatchUnderInspection},
	BatchUnderInspection: {BatchCertified, BatchRejected},
	BatchRejected:        {BatchUnderInspection},
}

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchSubmitted, BatchUnderInspection, BatchCertified, BatchRejected:
		return true
	}
	return false
}

// CanTransition reports whether the batch state machine allows s -> to.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	for _, next := range batchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionBatch(from, to BatchStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: batch %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

type InspectionStatus string

const (
	InspectionPending   InspectionStatus = "Pending"
	InspectionCompleted InspectionStatus = "Completed"
)

func (s InspectionStatus) Valid() bool {
	return s == InspectionPending || s == InspectionCompleted
}

type Conclusion string

const (
	ConclusionPass            Conclusion = "Pass"
	ConclusionFail            Conclusion = "Fail"
	ConclusionConditionalPass Conclusion = "Conditional Pass"
)

func (c Conclusion) Valid() bool {
	switch c {
	case ConclusionPass, ConclusionFail, ConclusionConditionalPass:
		return true
	}
	return false
}

// BatchOutcome maps an inspection conclusion to the resulting batch status.
func (c Conclusion) BatchOutcome() BatchStatus {
	if c == ConclusionFail {
		return BatchRejected
	}
	return BatchCertified
}

type RevocationStatus string

const (
	RevocationActive  RevocationStatus = "active"
	RevocationRevoked RevocationStatus = "revoked"
)

func (s RevocationStatus) Valid() bool {
	return s == RevocationActive || s == RevocationRevoked
}

type AnchorStatus string

const (
	AnchorPending  AnchorStatus = "pending"
	AnchorAnchored AnchorStatus = "anchored"
	AnchorFailed   AnchorStatus = "failed"
)

func (s AnchorStatus) Valid() bool {
	switch s {
	case AnchorPending, AnchorAnchored, AnchorFailed:
		return true
	}
	return false
}
