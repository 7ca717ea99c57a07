package certify

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrReferencedEntityMissing = errors.New("referenced entity missing")
	ErrPersistence             = errors.New("persistence error")
	ErrAnchoringFailure        = errors.New("anchoring failure")
	ErrTooManyTokens           = errors.New("too many tokens")
	ErrNoTokens                = errors.New("no tokens")
	ErrConflict                = errors.New("conflict")
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrNotEligible             = errors.New("inspection not eligible for issuance")
	ErrAlreadyRevoked          = errors.New("credential already revoked")
	ErrAlreadyAnchored         = errors.New("credential already anchored")
)

var domainErrors = []error{
	ErrNotFound, ErrReferencedEntityMissing, ErrConflict, ErrForbidden, ErrInvalidInput,
	ErrInvalidTransition, ErrNotEligible, ErrAlreadyRevoked, ErrAlreadyAnchored,
}

// storeErr passes domain errors from a Store through and wraps anything else as ErrPersistence.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
